package config

import (
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/redis/go-redis/v9"
)

// Config - Global variable to export
var Config AppConfig

// AppConfig defines the application configuration
type AppConfig struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Minio    MinioConfig    `koanf:"minio"`
	Cache    CacheConfig    `koanf:"cache"`
	Worker   WorkerConfig   `koanf:"worker"`
	Chunking ChunkingConfig `koanf:"chunking"`
	Parser   ParserConfig   `koanf:"parser"`
	OpenAI   OpenAIConfig   `koanf:"openai"`
}

// ServerConfig defines HTTP server configurations
type ServerConfig struct {
	Port        int    `koanf:"port"`
	Debug       bool   `koanf:"debug"`
	MaxDataSize int    `koanf:"maxdatasize"` // in MB
	Edition     string `koanf:"edition"`
}

// DatabaseConfig related to database
type DatabaseConfig struct {
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Name     string `koanf:"name"`
	TimeZone string `koanf:"timezone"`
	Pool     struct {
		IdleConnections int           `koanf:"idleconnections"`
		MaxConnections  int           `koanf:"maxconnections"`
		ConnLifeTime    time.Duration `koanf:"connlifetime"`
	} `koanf:"pool"`
}

// MinioConfig related to the object storage backend
type MinioConfig struct {
	Host       string `koanf:"host"`
	Port       string `koanf:"port"`
	RootUser   string `koanf:"rootuser"`
	RootPwd    string `koanf:"rootpwd"`
	BucketName string `koanf:"bucketname"`
	Secure     bool   `koanf:"secure"`
}

// CacheConfig related to Redis
type CacheConfig struct {
	Redis struct {
		Enabled      bool          `koanf:"enabled"`
		RedisOptions redis.Options `koanf:"redisoptions"`
	} `koanf:"redis"`
	EventChannel string `koanf:"eventchannel"`
}

// WorkerConfig defines the worker pool behaviour
type WorkerConfig struct {
	Concurrency  int           `koanf:"concurrency"`
	PollInterval time.Duration `koanf:"pollinterval"`
	JobTimeout   time.Duration `koanf:"jobtimeout"`
	MaxRetries   int           `koanf:"maxretries"`
	// BackoffBase is the delay before the first retry; each retry doubles it.
	BackoffBase time.Duration `koanf:"backoffbase"`
	// StaleRunning is the horizon after which a running job with no outcome
	// becomes claimable again (worker crashed between claim and report).
	StaleRunning time.Duration `koanf:"stalerunning"`
}

// ChunkingConfig defines the token budget and estimator for the chunker
type ChunkingConfig struct {
	MaxTokens int `koanf:"maxtokens" validate:"min=1"`
	// Encoding is the tiktoken encoding name; empty falls back to the
	// chars/4 heuristic estimator.
	Encoding string `koanf:"encoding"`
}

// ParserConfig holds tunable heuristics for the format parsers
type ParserConfig struct {
	// PDFHeadingScale is the minimum font-size ratio over the body size for
	// a text run to be considered a heading.
	PDFHeadingScale float64 `koanf:"pdfheadingscale"`
}

// OpenAIConfig defines the configuration for the embedding provider. An
// empty API key disables the embed stage and documents terminate at chunked.
type OpenAIConfig struct {
	APIKey         string `koanf:"apikey"`
	EmbeddingModel string `koanf:"embeddingmodel"`
	BatchSize      int    `koanf:"batchsize"`
}

// Init - Assign global config to decoded config struct
func Init(filePath string) error {
	k := koanf.New(".")
	parser := yaml.Parser()

	if err := k.Load(confmap.Provider(map[string]any{
		"worker.concurrency":     4,
		"worker.pollinterval":    "1s",
		"worker.jobtimeout":      "5m",
		"worker.maxretries":      3,
		"worker.backoffbase":     "5s",
		"worker.stalerunning":    "10m",
		"chunking.maxtokens":     512,
		"parser.pdfheadingscale": 1.15,
		"openai.embeddingmodel":  "text-embedding-3-small",
		"openai.batchsize":       32,
		"cache.eventchannel":     "ingest.events",
	}, "."), nil); err != nil {
		log.Fatal(err.Error())
	}

	if err := k.Load(file.Provider(filePath), parser); err != nil {
		log.Fatal(err.Error())
	}

	if err := k.Load(env.ProviderWithValue("CFG_", ".", func(s string, v string) (string, any) {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "CFG_")), "_", ".")
		if strings.Contains(v, ",") {
			return key, strings.Split(strings.TrimSpace(v), ",")
		}
		return key, v
	}), nil); err != nil {
		return err
	}

	if err := k.Unmarshal("", &Config); err != nil {
		return err
	}

	return ValidateConfig(&Config)
}

// ValidateConfig is for custom validation rules for the configuration
func ValidateConfig(cfg *AppConfig) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	return nil
}

var defaultConfigPath = "config/config.yaml"

// ParseConfigFlag allows clients to specify the relative path to the file from
// which the configuration will be loaded.
func ParseConfigFlag() string {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configPath := fs.String("file", defaultConfigPath, "configuration file")
	flag.Parse()

	return *configPath
}
