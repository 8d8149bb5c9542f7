package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/drivegate/internal/account"
	"github.com/MarkoPoloResearchLab/drivegate/internal/activity"
	"github.com/MarkoPoloResearchLab/drivegate/internal/drive"
	"github.com/MarkoPoloResearchLab/drivegate/internal/httpapi"
	"github.com/MarkoPoloResearchLab/drivegate/internal/logging"
	"github.com/MarkoPoloResearchLab/drivegate/internal/metrics"
	"github.com/MarkoPoloResearchLab/drivegate/internal/notifications"
	"github.com/MarkoPoloResearchLab/drivegate/internal/security"
	"github.com/MarkoPoloResearchLab/drivegate/internal/storage"
	"github.com/MarkoPoloResearchLab/drivegate/internal/subscription"
	"github.com/MarkoPoloResearchLab/drivegate/internal/task"
	"github.com/MarkoPoloResearchLab/drivegate/internal/zippassword"
)

const (
	commandUseName               = "server"
	commandShortDescription      = "Run the drive gate server"
	commandLongDescription       = "Serve the subscription-gated Drive proxy API and its background jobs"
	missingConfigurationMessage  = "missing required configuration"
	loggerCreationErrorMessage   = "logger"
	unexpectedArgumentsMessage   = "unexpected command arguments"
	commandInitializationFailure = "failed to configure command"
	flagNotDefinedMessage        = "flag %s not defined"
	environmentConfigurationErr  = "failed to apply environment configuration"

	logEventListening          = "listening"
	logEventShuttingDown       = "shutting_down"
	logEventRendererDisabled   = "drive_renderer_unavailable"
	logFieldAddress            = "addr"
	logFieldServeMode          = "mode"
	loggerContextOpenDatabase  = "open_db"
	loggerContextAutoMigrate   = "migrate"
	loggerContextServer        = "server"
	readHeaderTimeoutSeconds   = 5
	shutdownTimeoutSeconds     = 15
	metricSubscribersName      = "drivegate_event_subscribers"
	metricSubscribersHelp      = "Number of open event stream subscriptions."
	expirySchedulerDescription = "subscription expiry sweep"

	flagNameApplicationAddress     = "app-addr"
	flagNameServeMode              = "serve-mode"
	flagNameDatabaseDriver         = "db-driver"
	flagNameDatabaseDataSourceName = "db-dsn"
	flagNameSessionSecret          = "session-secret"
	flagNameSecureCookies          = "secure-cookies"
	flagNameAdminEmails            = "admin-emails"
	flagNameAllowedOrigins         = "cors-allowed-origins"
	flagNameDriveWorkerURL         = "drive-worker-url"
	flagNameDriveWorkerTimeout     = "drive-worker-timeout"
	flagNameDriveCacheTTL          = "drive-cache-ttl"
	flagNameDriveRendererEnabled   = "drive-renderer-enabled"
	flagNameDriveRequestsPerMinute = "drive-requests-per-minute"
	flagNameExpirySweepInterval    = "expiry-sweep-interval"
	flagNameExpiryNoticeWindow     = "expiry-notice-window"
	flagNameLogDevelopment         = "log-development"
	flagNameLogLevel               = "log-level"
	flagNameMetricsEnabled         = "metrics-enabled"

	environmentKeyApplicationAddress     = "APP_ADDR"
	environmentKeyServeMode              = "SERVE_MODE"
	environmentKeyDatabaseDriver         = "DB_DRIVER"
	environmentKeyDatabaseDataSource     = "DB_DSN"
	environmentKeySessionSecret          = "SESSION_SECRET"
	environmentKeySecureCookies          = "SECURE_COOKIES"
	environmentKeyAdminEmails            = "ADMIN_EMAILS"
	environmentKeyAllowedOrigins         = "CORS_ALLOWED_ORIGINS"
	environmentKeyDriveWorkerURL         = "DRIVE_WORKER_URL"
	environmentKeyDriveWorkerTimeout     = "DRIVE_WORKER_TIMEOUT"
	environmentKeyDriveCacheTTL          = "DRIVE_CACHE_TTL"
	environmentKeyDriveRendererEnabled   = "DRIVE_RENDERER_ENABLED"
	environmentKeyDriveRequestsPerMinute = "DRIVE_REQUESTS_PER_MINUTE"
	environmentKeyExpirySweepInterval    = "EXPIRY_SWEEP_INTERVAL"
	environmentKeyExpiryNoticeWindow     = "EXPIRY_NOTICE_WINDOW"
	environmentKeyLogDevelopment         = "LOG_DEVELOPMENT"
	environmentKeyLogLevel               = "LOG_LEVEL"
	environmentKeyMetricsEnabled         = "METRICS_ENABLED"

	defaultApplicationAddress     = ":8080"
	defaultDriveWorkerTimeout     = 15 * time.Second
	defaultDriveCacheTTL          = time.Minute
	defaultDriveRequestsPerMinute = 120
	defaultExpirySweepInterval    = 10 * time.Minute
)

// ServerConfig captures configuration needed to run the server.
type ServerConfig struct {
	ApplicationAddress     string
	ServeMode              string
	DatabaseDriver         string
	DatabaseDataSourceName string
	SessionSecret          string
	SecureCookies          bool
	AdminEmails            []string
	AllowedOrigins         []string
	DriveWorkerURL         string
	DriveWorkerTimeout     time.Duration
	DriveCacheTTL          time.Duration
	DriveRendererEnabled   bool
	DriveRequestsPerMinute int
	ExpirySweepInterval    time.Duration
	ExpiryNoticeWindow     time.Duration
	LogDevelopment         bool
	LogLevel               string
	MetricsEnabled         bool
}

// DatabaseOpener opens a database connection using the provided configuration.
type DatabaseOpener func(storage.Config) (*gorm.DB, error)

// ServerApplication constructs and executes the server command.
type ServerApplication struct {
	configurationLoader *viper.Viper
	databaseOpener      DatabaseOpener
}

// NewServerApplication creates a ServerApplication with default dependencies.
func NewServerApplication() *ServerApplication {
	return &ServerApplication{
		configurationLoader: viper.New(),
		databaseOpener:      storage.OpenDatabase,
	}
}

// WithDatabaseOpener overrides the database opener dependency.
func (application *ServerApplication) WithDatabaseOpener(databaseOpener DatabaseOpener) *ServerApplication {
	application.databaseOpener = databaseOpener
	return application
}

// Command builds the Cobra command for the server.
func (application *ServerApplication) Command() (*cobra.Command, error) {
	rootCommand := &cobra.Command{
		Use:   commandUseName,
		Short: commandShortDescription,
		Long:  commandLongDescription,
		RunE:  application.runCommand,
	}

	if configurationErr := application.configureCommand(rootCommand); configurationErr != nil {
		return nil, configurationErr
	}

	return rootCommand, nil
}

// flagBinding ties a command flag to the environment key viper reads it under.
type flagBinding struct {
	environmentKey string
	flagName       string
}

var flagBindings = []flagBinding{
	{environmentKey: environmentKeyApplicationAddress, flagName: flagNameApplicationAddress},
	{environmentKey: environmentKeyServeMode, flagName: flagNameServeMode},
	{environmentKey: environmentKeyDatabaseDriver, flagName: flagNameDatabaseDriver},
	{environmentKey: environmentKeyDatabaseDataSource, flagName: flagNameDatabaseDataSourceName},
	{environmentKey: environmentKeySessionSecret, flagName: flagNameSessionSecret},
	{environmentKey: environmentKeySecureCookies, flagName: flagNameSecureCookies},
	{environmentKey: environmentKeyAdminEmails, flagName: flagNameAdminEmails},
	{environmentKey: environmentKeyAllowedOrigins, flagName: flagNameAllowedOrigins},
	{environmentKey: environmentKeyDriveWorkerURL, flagName: flagNameDriveWorkerURL},
	{environmentKey: environmentKeyDriveWorkerTimeout, flagName: flagNameDriveWorkerTimeout},
	{environmentKey: environmentKeyDriveCacheTTL, flagName: flagNameDriveCacheTTL},
	{environmentKey: environmentKeyDriveRendererEnabled, flagName: flagNameDriveRendererEnabled},
	{environmentKey: environmentKeyDriveRequestsPerMinute, flagName: flagNameDriveRequestsPerMinute},
	{environmentKey: environmentKeyExpirySweepInterval, flagName: flagNameExpirySweepInterval},
	{environmentKey: environmentKeyExpiryNoticeWindow, flagName: flagNameExpiryNoticeWindow},
	{environmentKey: environmentKeyLogDevelopment, flagName: flagNameLogDevelopment},
	{environmentKey: environmentKeyLogLevel, flagName: flagNameLogLevel},
	{environmentKey: environmentKeyMetricsEnabled, flagName: flagNameMetricsEnabled},
}

func (application *ServerApplication) configureCommand(command *cobra.Command) error {
	application.configurationLoader.SetDefault(environmentKeyApplicationAddress, defaultApplicationAddress)
	application.configurationLoader.SetDefault(environmentKeyDatabaseDriver, storage.DriverNameSQLite)
	application.configurationLoader.SetDefault(environmentKeyDriveWorkerTimeout, defaultDriveWorkerTimeout)
	application.configurationLoader.SetDefault(environmentKeyDriveCacheTTL, defaultDriveCacheTTL)
	application.configurationLoader.SetDefault(environmentKeyDriveRequestsPerMinute, defaultDriveRequestsPerMinute)
	application.configurationLoader.SetDefault(environmentKeyExpirySweepInterval, defaultExpirySweepInterval)
	application.configurationLoader.SetDefault(environmentKeyExpiryNoticeWindow, task.DefaultExpiryNoticeWindow)
	application.configurationLoader.AutomaticEnv()

	commandFlags := command.Flags()
	commandFlags.String(flagNameApplicationAddress, defaultApplicationAddress, "address for the HTTP server to listen on")
	commandFlags.String(flagNameServeMode, string(ServeModeAll), "what to run: all, api or jobs")
	commandFlags.String(flagNameDatabaseDriver, storage.DriverNameSQLite, "database driver name")
	commandFlags.String(flagNameDatabaseDataSourceName, "", "database connection string")
	commandFlags.String(flagNameSessionSecret, "", "secret used to sign session cookies (at least 32 bytes)")
	commandFlags.Bool(flagNameSecureCookies, false, "mark session cookies Secure")
	commandFlags.StringSlice(flagNameAdminEmails, nil, "comma separated administrator emails")
	commandFlags.StringSlice(flagNameAllowedOrigins, nil, "comma separated origins allowed to call the API with credentials")
	commandFlags.String(flagNameDriveWorkerURL, "", "base URL of the Drive index worker")
	commandFlags.Duration(flagNameDriveWorkerTimeout, defaultDriveWorkerTimeout, "time to wait for worker response headers")
	commandFlags.Duration(flagNameDriveCacheTTL, defaultDriveCacheTTL, "how long directory listings are cached (negative disables)")
	commandFlags.Bool(flagNameDriveRendererEnabled, false, "render script-built listings in headless Chrome")
	commandFlags.Int(flagNameDriveRequestsPerMinute, defaultDriveRequestsPerMinute, "drive requests allowed per user per minute (0 disables)")
	commandFlags.Duration(flagNameExpirySweepInterval, defaultExpirySweepInterval, "interval between subscription expiry sweeps")
	commandFlags.Duration(flagNameExpiryNoticeWindow, task.DefaultExpiryNoticeWindow, "how early users are warned about expiring subscriptions")
	commandFlags.Bool(flagNameLogDevelopment, false, "use the development console logger")
	commandFlags.String(flagNameLogLevel, "", "minimum log level")
	commandFlags.Bool(flagNameMetricsEnabled, true, "serve Prometheus metrics on /metrics")

	for _, binding := range flagBindings {
		if bindErr := application.bindFlag(commandFlags, binding.environmentKey, binding.flagName); bindErr != nil {
			return bindErr
		}
	}

	for _, binding := range flagBindings {
		if environmentErr := application.applyEnvironmentConfiguration(commandFlags, binding.environmentKey, binding.flagName); environmentErr != nil {
			return environmentErr
		}
	}

	return nil
}

func (application *ServerApplication) bindFlag(flagSet *pflag.FlagSet, environmentKey string, flagName string) error {
	flag := flagSet.Lookup(flagName)
	if flag == nil {
		return fmt.Errorf(flagNotDefinedMessage, flagName)
	}

	if bindErr := application.configurationLoader.BindPFlag(environmentKey, flag); bindErr != nil {
		return bindErr
	}

	return nil
}

func (application *ServerApplication) applyEnvironmentConfiguration(flagSet *pflag.FlagSet, environmentKey string, flagName string) error {
	environmentValue, environmentFound := os.LookupEnv(environmentKey)
	if !environmentFound {
		return nil
	}

	if setErr := flagSet.Set(flagName, environmentValue); setErr != nil {
		return fmt.Errorf("%s: %w", environmentConfigurationErr, setErr)
	}

	return nil
}

func (application *ServerApplication) loadConfiguration() ServerConfig {
	loader := application.configurationLoader
	return ServerConfig{
		ApplicationAddress:     strings.TrimSpace(loader.GetString(environmentKeyApplicationAddress)),
		ServeMode:              loader.GetString(environmentKeyServeMode),
		DatabaseDriver:         strings.TrimSpace(loader.GetString(environmentKeyDatabaseDriver)),
		DatabaseDataSourceName: strings.TrimSpace(loader.GetString(environmentKeyDatabaseDataSource)),
		SessionSecret:          loader.GetString(environmentKeySessionSecret),
		SecureCookies:          loader.GetBool(environmentKeySecureCookies),
		AdminEmails:            splitList(loader.GetStringSlice(environmentKeyAdminEmails)),
		AllowedOrigins:         splitList(loader.GetStringSlice(environmentKeyAllowedOrigins)),
		DriveWorkerURL:         strings.TrimSpace(loader.GetString(environmentKeyDriveWorkerURL)),
		DriveWorkerTimeout:     loader.GetDuration(environmentKeyDriveWorkerTimeout),
		DriveCacheTTL:          loader.GetDuration(environmentKeyDriveCacheTTL),
		DriveRendererEnabled:   loader.GetBool(environmentKeyDriveRendererEnabled),
		DriveRequestsPerMinute: loader.GetInt(environmentKeyDriveRequestsPerMinute),
		ExpirySweepInterval:    loader.GetDuration(environmentKeyExpirySweepInterval),
		ExpiryNoticeWindow:     loader.GetDuration(environmentKeyExpiryNoticeWindow),
		LogDevelopment:         loader.GetBool(environmentKeyLogDevelopment),
		LogLevel:               strings.TrimSpace(loader.GetString(environmentKeyLogLevel)),
		MetricsEnabled:         loader.GetBool(environmentKeyMetricsEnabled),
	}
}

func (application *ServerApplication) runCommand(command *cobra.Command, arguments []string) error {
	if len(arguments) > 0 {
		return fmt.Errorf("%s: %s", unexpectedArgumentsMessage, strings.Join(arguments, " "))
	}

	serverConfig := application.loadConfiguration()
	serveMode, modeErr := ParseServeMode(serverConfig.ServeMode)
	if modeErr != nil {
		return modeErr
	}
	if validationErr := application.ensureRequiredConfiguration(serverConfig, serveMode); validationErr != nil {
		return validationErr
	}
	command.SilenceUsage = true

	logger, loggerErr := logging.New(logging.Options{Development: serverConfig.LogDevelopment, Level: serverConfig.LogLevel})
	if loggerErr != nil {
		return fmt.Errorf("%s: %w", loggerCreationErrorMessage, loggerErr)
	}
	defer func() {
		_ = logger.Sync()
	}()

	database, databaseErr := application.databaseOpener(storage.Config{
		DriverName:     serverConfig.DatabaseDriver,
		DataSourceName: serverConfig.DatabaseDataSourceName,
	})
	if databaseErr != nil {
		logger.Error(loggerContextOpenDatabase, zap.Error(databaseErr))
		return databaseErr
	}

	if migrateErr := storage.AutoMigrate(database); migrateErr != nil {
		logger.Error(loggerContextAutoMigrate, zap.Error(migrateErr))
		return migrateErr
	}

	ctx, stop := signal.NotifyContext(command.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return application.serve(ctx, serverConfig, serveMode, database, logger)
}

func (application *ServerApplication) serve(ctx context.Context, serverConfig ServerConfig, serveMode ServeMode, database *gorm.DB, logger *zap.Logger) error {
	broadcaster := notifications.NewBroadcaster(0)
	defer broadcaster.Close()

	subscriptions, subscriptionsErr := subscription.NewService(database, logger)
	if subscriptionsErr != nil {
		return subscriptionsErr
	}

	group, groupContext := errgroup.WithContext(ctx)
	logger.Info(logEventListening, zap.String(logFieldServeMode, string(serveMode)), zap.String(logFieldAddress, serverConfig.ApplicationAddress))

	if serveMode.runsJobs() {
		expiryJob, jobErr := task.NewExpiryJob(task.ExpiryJobConfig{
			Store:     subscriptions,
			Publisher: broadcaster,
			Logger:    logger,
			Window:    serverConfig.ExpiryNoticeWindow,
		})
		if jobErr != nil {
			return jobErr
		}
		scheduler := task.NewScheduler(task.ExpiryJobName, serverConfig.ExpirySweepInterval, expiryJob.Run, logger.With(zap.String("job", expirySchedulerDescription)))
		group.Go(func() error {
			return scheduler.Run(groupContext)
		})
	}

	if serveMode.servesHTTP() {
		httpServer, cleanup, buildErr := application.buildHTTPServer(serverConfig, database, subscriptions, broadcaster, logger)
		if buildErr != nil {
			return buildErr
		}
		defer cleanup()

		group.Go(func() error {
			if serveErr := httpServer.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				logger.Error(loggerContextServer, zap.Error(serveErr))
				return serveErr
			}
			return nil
		})
		group.Go(func() error {
			<-groupContext.Done()
			logger.Info(logEventShuttingDown)
			broadcaster.Close()
			shutdownContext, cancel := context.WithTimeout(context.Background(), shutdownTimeoutSeconds*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownContext)
		})
	}

	return group.Wait()
}

// buildHTTPServer wires the services behind the API. The returned cleanup releases the headless
// browser when one was started.
func (application *ServerApplication) buildHTTPServer(serverConfig ServerConfig, database *gorm.DB, subscriptions *subscription.Service, broadcaster *notifications.Broadcaster, logger *zap.Logger) (*http.Server, func(), error) {
	cleanup := func() {}
	if !serverConfig.LogDevelopment {
		gin.SetMode(gin.ReleaseMode)
	}

	accounts, err := account.NewService(database, logger, serverConfig.AdminEmails)
	if err != nil {
		return nil, cleanup, err
	}
	securityService, err := security.NewService(database, logger, broadcaster)
	if err != nil {
		return nil, cleanup, err
	}
	zipPasswords, err := zippassword.NewService(database, logger)
	if err != nil {
		return nil, cleanup, err
	}
	activityService, err := activity.NewService(database, logger)
	if err != nil {
		return nil, cleanup, err
	}

	var recorder *metrics.Recorder
	if serverConfig.MetricsEnabled {
		recorder = metrics.NewRecorder()
		recorder.RegisterGauge(metricSubscribersName, metricSubscribersHelp, func() float64 {
			return float64(broadcaster.SubscriberCount())
		})
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = serverConfig.DriveWorkerTimeout
	clientConfig := drive.ClientConfig{
		BaseURL:    serverConfig.DriveWorkerURL,
		HTTPClient: &http.Client{Transport: transport},
		Logger:     logger,
		CacheTTL:   serverConfig.DriveCacheTTL,
	}
	if recorder != nil {
		clientConfig.Observer = recorder
	}
	if serverConfig.DriveRendererEnabled {
		renderer, rendererErr := drive.NewChromedpRenderer(drive.RendererConfig{Timeout: serverConfig.DriveWorkerTimeout}, logger)
		if rendererErr != nil {
			logger.Warn(logEventRendererDisabled, zap.Error(rendererErr))
		} else {
			clientConfig.Renderer = renderer
			cleanup = renderer.Close
		}
	}
	workerClient, err := drive.NewWorkerClient(clientConfig)
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}

	services := httpapi.Services{
		Accounts:      accounts,
		Subscriptions: subscriptions,
		Security:      securityService,
		ZipPasswords:  zipPasswords,
		Activity:      activityService,
		Drive:         workerClient,
		Events:        broadcaster,
		RateLimiter:   httpapi.NewRateLimiter(serverConfig.DriveRequestsPerMinute),
		Logger:        logger,
	}
	if recorder != nil {
		services.Metrics = recorder
	}

	authManager, err := httpapi.NewAuthManager(httpapi.AuthConfig{
		Logger:        logger,
		Users:         accounts,
		SessionSecret: serverConfig.SessionSecret,
		SecureCookies: serverConfig.SecureCookies,
	})
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}

	router := newRouter(routerConfig{
		logger:         logger,
		authManager:    authManager,
		services:       services,
		recorder:       recorder,
		allowedOrigins: serverConfig.AllowedOrigins,
		healthCheck:    databaseHealthCheck(database),
	})

	return &http.Server{
		Addr:              serverConfig.ApplicationAddress,
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeoutSeconds * time.Second,
	}, cleanup, nil
}

func (application *ServerApplication) ensureRequiredConfiguration(configuration ServerConfig, serveMode ServeMode) error {
	var missingParameters []string

	if configuration.DatabaseDataSourceName == "" {
		missingParameters = append(missingParameters, flagNameDatabaseDataSourceName)
	}

	if serveMode.servesHTTP() {
		if strings.TrimSpace(configuration.SessionSecret) == "" {
			missingParameters = append(missingParameters, flagNameSessionSecret)
		}
		if configuration.DriveWorkerURL == "" {
			missingParameters = append(missingParameters, flagNameDriveWorkerURL)
		}
	}

	if len(missingParameters) == 0 {
		return nil
	}

	return fmt.Errorf("%s: %s", missingConfigurationMessage, strings.Join(missingParameters, ", "))
}

func databaseHealthCheck(database *gorm.DB) func(context.Context) error {
	return func(ctx context.Context) error {
		sqlDatabase, err := database.DB()
		if err != nil {
			return err
		}
		return sqlDatabase.PingContext(ctx)
	}
}

// splitList flattens comma separated entries, since environment values arrive as one string.
func splitList(values []string) []string {
	var result []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}

func main() {
	application := NewServerApplication()
	rootCommand, commandErr := application.Command()
	if commandErr != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", commandInitializationFailure, commandErr)
		os.Exit(1)
	}

	if executeErr := rootCommand.Execute(); executeErr != nil {
		os.Exit(1)
	}
}
