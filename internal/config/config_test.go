package config

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Config", func() {
	var (
		tempDir    string
		configFile string
	)

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "config-test")
		Expect(err).NotTo(HaveOccurred())
		configFile = filepath.Join(tempDir, "config.yaml")
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
	})

	Describe("Load", func() {
		Context("when config file exists with valid content", func() {
			BeforeEach(func() {
				validConfig := `
broker:
  bootstrap: ["broker-1:9092", "broker-2:9092"]
  sasl_mechanism: "SCRAM-SHA-256"
  sasl_username: "agent"
  sasl_password: "secret"
  request_timeout: "45s"

idp:
  base_url: "https://idp.example.com"
  realm: "corp"
  client_id: "sync-agent"
  client_secret: "shh"
  page_size: 50

reconcile:
  cluster_id: "cluster-1"
  mechanisms: ["SCRAM-SHA-256", "SCRAM-SHA-512"]
  iterations: 8192
  interval: "10m"

retention:
  default_max_age_days: 30
  max_bytes: 1073741824

queue:
  capacity: 500
  overflow: "drop_oldest"
  workers: 8

control_api:
  listen_addr: ":9090"
  basic_auth_user: "admin"

realm_allowlist: ["corp", "partners"]
log_level: "debug"
`
				err := os.WriteFile(configFile, []byte(validConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should load configuration successfully", func() {
				cfg, err := Load(configFile)
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg).NotTo(BeNil())

				Expect(cfg.Broker.Bootstrap).To(Equal([]string{"broker-1:9092", "broker-2:9092"}))
				Expect(cfg.Broker.SASLMechanism).To(Equal("SCRAM-SHA-256"))
				Expect(cfg.Broker.RequestTimeout).To(Equal(45 * time.Second))
				// Not set in the file; should keep its default.
				Expect(cfg.Broker.DefaultAPITimeout).To(Equal(60 * time.Second))

				Expect(cfg.IdP.BaseURL).To(Equal("https://idp.example.com"))
				Expect(cfg.IdP.Realm).To(Equal("corp"))
				Expect(cfg.IdP.PageSize).To(Equal(50))

				Expect(cfg.Reconcile.ClusterID).To(Equal("cluster-1"))
				Expect(cfg.Reconcile.Mechanisms).To(Equal([]string{"SCRAM-SHA-256", "SCRAM-SHA-512"}))
				Expect(cfg.Reconcile.Iterations).To(Equal(8192))
				Expect(cfg.Reconcile.Interval).To(Equal(10 * time.Minute))

				Expect(cfg.Retention.DefaultMaxAgeDays).To(Equal(int64(30)))
				Expect(cfg.Retention.MaxBytes).To(Equal(int64(1073741824)))

				Expect(cfg.Queue.Capacity).To(Equal(500))
				Expect(cfg.Queue.Overflow).To(Equal("drop_oldest"))
				Expect(cfg.Queue.Workers).To(Equal(8))

				Expect(cfg.ControlAPI.ListenAddr).To(Equal(":9090"))
				Expect(cfg.ControlAPI.BasicAuthUser).To(Equal("admin"))

				Expect(cfg.RealmAllowlist).To(Equal([]string{"corp", "partners"}))
				Expect(cfg.LogLevel).To(Equal("debug"))
			})
		})

		Context("when config file has minimal content", func() {
			BeforeEach(func() {
				minimalConfig := `
broker:
  bootstrap: ["broker-1:9092"]

idp:
  base_url: "https://idp.example.com"
  realm: "corp"
`
				err := os.WriteFile(configFile, []byte(minimalConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should load with defaults for missing values", func() {
				cfg, err := Load(configFile)
				Expect(err).NotTo(HaveOccurred())

				Expect(cfg.Broker.Bootstrap).To(Equal([]string{"broker-1:9092"}))
				Expect(cfg.IdP.BaseURL).To(Equal("https://idp.example.com"))

				Expect(cfg.Reconcile.Iterations).To(Equal(4096))
				Expect(cfg.Queue.Overflow).To(Equal("reject"))
				Expect(cfg.Queue.Workers).To(Equal(2))
			})
		})

		Context("when path is empty", func() {
			It("should load compiled-in defaults overridden only by environment", func() {
				os.Clearenv()
				os.Setenv("BROKER_BOOTSTRAP", "broker-1:9092")
				os.Setenv("IDP_BASE_URL", "https://idp.example.com")
				os.Setenv("IDP_REALM", "corp")
				defer os.Clearenv()

				cfg, err := Load("")
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Broker.Bootstrap).To(Equal([]string{"broker-1:9092"}))
			})
		})

		Context("when config file does not exist", func() {
			It("should return an error", func() {
				_, err := Load("/nonexistent/config.yaml")
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to read config file"))
			})
		})

		Context("when config file has invalid YAML", func() {
			BeforeEach(func() {
				invalidConfig := `
broker:
  bootstrap: [
idp:
  base_url: "test"
`
				err := os.WriteFile(configFile, []byte(invalidConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should return an error", func() {
				_, err := Load(configFile)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to parse config file"))
			})
		})

		Context("when required fields are missing", func() {
			BeforeEach(func() {
				err := os.WriteFile(configFile, []byte("log_level: debug\n"), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should return a validation error", func() {
				os.Clearenv()
				_, err := Load(configFile)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("BROKER_BOOTSTRAP is required"))
			})
		})
	})

	Describe("validate", func() {
		var cfg *Config

		BeforeEach(func() {
			cfg = Defaults()
			cfg.Broker.Bootstrap = []string{"broker-1:9092"}
			cfg.IdP.BaseURL = "https://idp.example.com"
			cfg.IdP.Realm = "corp"
		})

		Context("when config is valid", func() {
			It("should pass validation", func() {
				Expect(validate(cfg)).NotTo(HaveOccurred())
			})
		})

		Context("when broker bootstrap is empty", func() {
			It("should return a validation error", func() {
				cfg.Broker.Bootstrap = nil
				err := validate(cfg)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("BROKER_BOOTSTRAP is required"))
			})
		})

		Context("when reconcile iterations is below the SCRAM floor", func() {
			It("should return a validation error", func() {
				cfg.Reconcile.Iterations = 100
				err := validate(cfg)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("at least 4096"))
			})
		})

		Context("when the queue overflow policy is unrecognized", func() {
			It("should return a validation error", func() {
				cfg.Queue.Overflow = "explode"
				err := validate(cfg)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("EVENT_QUEUE_OVERFLOW"))
			})
		})

		Context("when queue workers is zero", func() {
			It("should return a validation error", func() {
				cfg.Queue.Workers = 0
				err := validate(cfg)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("EVENT_WORKERS"))
			})
		})
	})

	Describe("loadFromEnv", func() {
		var cfg *Config

		BeforeEach(func() {
			cfg = Defaults()
			os.Clearenv()
		})

		AfterEach(func() {
			os.Clearenv()
		})

		Context("when environment variables are set", func() {
			BeforeEach(func() {
				os.Setenv("BROKER_BOOTSTRAP", "b1:9092,b2:9092")
				os.Setenv("IDP_BASE_URL", "https://idp.example.com")
				os.Setenv("RECONCILE_ITERATIONS", "16384")
				os.Setenv("EVENT_QUEUE_OVERFLOW", "drop_oldest")
				os.Setenv("REALM_ALLOWLIST", "corp, partners")
				os.Setenv("LOG_LEVEL", "debug")
			})

			It("should load values from environment, overriding any file value", func() {
				err := loadFromEnv(cfg)
				Expect(err).NotTo(HaveOccurred())

				Expect(cfg.Broker.Bootstrap).To(Equal([]string{"b1:9092", "b2:9092"}))
				Expect(cfg.IdP.BaseURL).To(Equal("https://idp.example.com"))
				Expect(cfg.Reconcile.Iterations).To(Equal(16384))
				Expect(cfg.Queue.Overflow).To(Equal("drop_oldest"))
				Expect(cfg.RealmAllowlist).To(Equal([]string{"corp", "partners"}))
				Expect(cfg.LogLevel).To(Equal("debug"))
			})
		})

		Context("when an integer environment variable is malformed", func() {
			BeforeEach(func() {
				os.Setenv("RECONCILE_ITERATIONS", "not-a-number")
			})

			It("should return an error", func() {
				err := loadFromEnv(cfg)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("RECONCILE_ITERATIONS"))
			})
		})

		Context("when no environment variables are set", func() {
			It("should not modify the config", func() {
				original := *cfg
				err := loadFromEnv(cfg)
				Expect(err).NotTo(HaveOccurred())
				Expect(*cfg).To(Equal(original))
			})
		})
	})
})
