// Package config loads service configuration from the environment.
// A local .env file is honored in development via godotenv; real environment
// variables always win. Names are matched case-insensitively.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Common carries the settings shared by every service.
type Common struct {
	LogLevel    string
	ServiceName string
	APIHost     string
	APIPort     string
}

// LLMService configures the synchronous query service.
type LLMService struct {
	Common
	LLMEndpoint          string
	LLMAPIKey            string
	LLMModel             string
	MaxValidationRetries int
	ExecutionTimeout     int
	MaxExecutionRetries  int
	PythonBin            string
	KubernetesNamespace  string
	HeavyExecutorImage   string
	JobTTLSeconds        int
	Kubeconfig           string
	DatabaseURL          string
}

// ExecutorService configures the execution service and its bus consumer.
type ExecutorService struct {
	Common
	ExecutionTimeout    int
	MaxExecutionRetries int
	PythonBin           string
	KubernetesNamespace string
	HeavyExecutorImage  string
	JobTTLSeconds       int
	Kubeconfig          string
	PubsubProjectID     string
	RequestTopic        string
	RequestSubscription string
	ResultTopic         string
	DatabaseURL         string
	RetentionDays       int
}

// JobRunner configures the heavy-executor pod entrypoint.
type JobRunner struct {
	Common
	ExecutionTimeout int
	PythonBin        string
	S3Bucket         string
	S3Region         string
	S3Endpoint       string
	S3UsePathStyle   bool
	PubsubProjectID  string
	ResultTopic      string
}

// LoadDotEnv loads a .env file when one is present. A missing file is not an
// error; the environment remains the source of truth.
func LoadDotEnv() {
	_ = godotenv.Load()
}

// LoadLLMService reads the query-service configuration.
func LoadLLMService() LLMService {
	return LLMService{
		Common:               loadCommon("llm-service", "8000"),
		LLMEndpoint:          getEnv("LLM_ENDPOINT", ""),
		LLMAPIKey:            getEnv("LLM_API_KEY", ""),
		LLMModel:             getEnv("LLM_MODEL", "gemini-2.0-flash"),
		MaxValidationRetries: getEnvInt("MAX_VALIDATION_RETRIES", 3),
		ExecutionTimeout:     getEnvInt("EXECUTION_TIMEOUT", 30),
		MaxExecutionRetries:  getEnvInt("MAX_EXECUTION_RETRIES", 3),
		PythonBin:            getEnv("PYTHON_BIN", "python3"),
		KubernetesNamespace:  getEnv("KUBERNETES_NAMESPACE", "default"),
		HeavyExecutorImage:   getEnv("HEAVY_EXECUTOR_IMAGE", "heavy-executor:latest"),
		JobTTLSeconds:        getEnvInt("JOB_TTL_SECONDS", 3600),
		Kubeconfig:           getEnv("KUBECONFIG", ""),
		DatabaseURL:          getEnv("DATABASE_URL", ""),
	}
}

// LoadExecutorService reads the executor-service configuration.
func LoadExecutorService() ExecutorService {
	return ExecutorService{
		Common:              loadCommon("executor-service", "8001"),
		ExecutionTimeout:    getEnvInt("EXECUTION_TIMEOUT", 30),
		MaxExecutionRetries: getEnvInt("MAX_EXECUTION_RETRIES", 3),
		PythonBin:           getEnv("PYTHON_BIN", "python3"),
		KubernetesNamespace: getEnv("KUBERNETES_NAMESPACE", "default"),
		HeavyExecutorImage:  getEnv("HEAVY_EXECUTOR_IMAGE", "heavy-executor:latest"),
		JobTTLSeconds:       getEnvInt("JOB_TTL_SECONDS", 3600),
		Kubeconfig:          getEnv("KUBECONFIG", ""),
		PubsubProjectID:     getEnv("PUBSUB_PROJECT_ID", ""),
		RequestTopic:        getEnv("REQUEST_TOPIC", "code-execution-requests"),
		RequestSubscription: getEnv("REQUEST_SUBSCRIPTION", "code-execution-requests-sub"),
		ResultTopic:         getEnv("RESULT_TOPIC", "execution-results"),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		RetentionDays:       getEnvInt("RETENTION_DAYS", 30),
	}
}

// LoadJobRunner reads the heavy-executor entrypoint configuration.
func LoadJobRunner() JobRunner {
	return JobRunner{
		Common:           loadCommon("heavy-job-runner", ""),
		ExecutionTimeout: getEnvInt("TIMEOUT", 300),
		PythonBin:        getEnv("PYTHON_BIN", "python3"),
		S3Bucket:         getEnv("S3_BUCKET", "execution-results"),
		S3Region:         getEnv("S3_REGION", ""),
		S3Endpoint:       getEnv("S3_ENDPOINT", ""),
		S3UsePathStyle:   getEnvBool("S3_USE_PATH_STYLE", false),
		PubsubProjectID:  getEnv("PUBSUB_PROJECT_ID", ""),
		ResultTopic:      getEnv("RESULT_TOPIC", "execution-results"),
	}
}

func loadCommon(defaultName, defaultPort string) Common {
	return Common{
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		ServiceName: getEnv("SERVICE_NAME", defaultName),
		APIHost:     getEnv("API_HOST", "0.0.0.0"),
		APIPort:     getEnv("API_PORT", defaultPort),
	}
}

func getEnv(name, fallback string) string {
	if v, ok := lookup(name); ok {
		return v
	}
	return fallback
}

func getEnvInt(name string, fallback int) int {
	if v, ok := lookup(name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(name string, fallback bool) bool {
	if v, ok := lookup(name); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// lookup tries the name as given, then upper- and lower-cased.
func lookup(name string) (string, bool) {
	for _, candidate := range []string{name, strings.ToUpper(name), strings.ToLower(name)} {
		if v, ok := os.LookupEnv(candidate); ok && v != "" {
			return v, true
		}
	}
	return "", false
}
