package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/haiminh/tfauth/internal/audit"
	"github.com/haiminh/tfauth/internal/common"
	"github.com/haiminh/tfauth/internal/config"
	"github.com/haiminh/tfauth/internal/handlers/api"
	"github.com/haiminh/tfauth/internal/mail"
	"github.com/haiminh/tfauth/internal/middlewares"
	"github.com/haiminh/tfauth/internal/store"
	"github.com/haiminh/tfauth/internal/twofactor"
	"github.com/haiminh/tfauth/internal/users"
	"github.com/haiminh/tfauth/model"
	"github.com/haiminh/tfauth/params"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

var (
	app       *cli.App
	gitCommit string
	gitDate   string
)

var (
	configFileFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "YAML config file",
		Value: "config.yaml",
	}
	debugFlag = &cli.BoolFlag{
		Name:  "debug",
		Usage: "Enable debug logging",
	}
)

func init() {
	app = cli.NewApp()
	app.EnableBashCompletion = true
	app.Usage = "tfauth - two-factor authentication service"
	app.Flags = []cli.Flag{
		configFileFlag,
		debugFlag,
	}
	app.Commands = []*cli.Command{
		{
			Name: "version",
			Action: func(ctx *cli.Context) error {
				fmt.Println(params.VersionWithCommit(gitCommit, gitDate))
				return nil
			},
		},
		{
			Name:  "create-user",
			Usage: "Create a user account",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "username", Required: true},
				&cli.StringFlag{Name: "fullname"},
				&cli.StringFlag{Name: "email", Required: true},
				&cli.StringFlag{Name: "password", Required: true},
			},
			Action: createUser,
		},
		{
			Name:  "set-password",
			Usage: "Set a user's password",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "user", Usage: "username or email", Required: true},
				&cli.StringFlag{Name: "password", Required: true},
			},
			Action: setPassword,
		},
		{
			Name:  "generate-key",
			Usage: "Generate a random secret suitable for masterKey or internalAPIKey",
			Action: func(ctx *cli.Context) error {
				secret, err := common.GenerateSecret(43)
				if err != nil {
					return err
				}
				fmt.Println(secret)
				return nil
			},
		},
	}
	app.Action = run
}

func mustInitLogger(debug bool) {
	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}

func mustInitDatabase(dbConfig config.MySQLConfig) *gorm.DB {
	db, err := gorm.Open(mysql.Open(dbConfig.Dsn), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{
			TablePrefix:   dbConfig.TablePrefix,
			SingularTable: true,
		},
	})
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	sqlDB, err := db.DB()
	if err != nil {
		slog.Error("Failed to access database pool", "error", err)
		os.Exit(1)
	}
	if dbConfig.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(dbConfig.MaxIdleConns)
	}
	if dbConfig.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(dbConfig.MaxOpenConns)
	}
	if dbConfig.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(time.Duration(dbConfig.ConnMaxIdleTime) * time.Second)
	}
	if dbConfig.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(dbConfig.ConnMaxLifetime) * time.Second)
	}

	if err := model.AutoMigrate(db); err != nil {
		slog.Error("Database migration failed", "error", err)
		os.Exit(1)
	}
	return db
}

// mustInitCacheStorage selects the volatile-state backend. The redis client
// is returned alongside so the health check can ping it; memory backend
// returns nil there.
func mustInitCacheStorage(cacheCfg config.CacheConfig) (store.Storage, redis.UniversalClient) {
	if cacheCfg.Backend == "memory" {
		return store.NewMemoryStorage(), nil
	}
	if cacheCfg.Backend != "redis" {
		slog.Error("Unsupported cache backend", "backend", cacheCfg.Backend)
		os.Exit(1)
	}

	opts, err := redis.ParseURL(cacheCfg.Redis.URL)
	if err != nil {
		slog.Error("Invalid redis URL", "error", err)
		os.Exit(1)
	}
	if cacheCfg.Redis.PoolSize > 0 {
		opts.PoolSize = cacheCfg.Redis.PoolSize
	}

	var rdb redis.UniversalClient
	if cacheCfg.Redis.ClusterMode {
		rdb = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    []string{opts.Addr},
			Username: opts.Username,
			Password: opts.Password,
			PoolSize: opts.PoolSize,
		})
	} else {
		rdb = redis.NewClient(opts)
	}
	return store.NewRedisStorage(rdb), rdb
}

func mustInitMailSender(mailCfg config.MailConfig) mail.MailSender {
	if mailCfg.Backend == "" {
		return nil
	}
	if mailCfg.Backend != "smtp" {
		slog.Error("Unsupported mail sender backend", "backend", mailCfg.Backend)
		os.Exit(1)
	}
	from := mailCfg.From
	if from == "" {
		from = mailCfg.SMTP.From
	}
	sender, err := mail.NewSMTPMailSender(mail.SMTPConfig{
		Host:     mailCfg.SMTP.Host,
		Port:     mailCfg.SMTP.Port,
		Username: mailCfg.SMTP.Username,
		Password: mailCfg.SMTP.Password,
		TLS:      mailCfg.SMTP.TLS,
		CertFile: mailCfg.SMTP.CertFile,
		KeyFile:  mailCfg.SMTP.KeyFile,
		CAFile:   mailCfg.SMTP.CAFile,
	}, from)
	if err != nil {
		slog.Error("Failed to initialize SMTP mail sender", "error", err)
		os.Exit(1)
	}
	return sender
}

func setupAPIRoutes(
	router fiber.Router,
	cfg *config.Config,
	twoFactorService *twofactor.Service,
	challengeService *twofactor.ChallengeService) {

	// handlers
	var (
		twoFactorHandler = api.NewTwoFactorHandler(twoFactorService)
		challengeHandler = api.NewChallengeHandler(challengeService)
	)

	// routes
	v1 := router.Group("/api/v1")

	twofa := v1.Group("/2fa", middlewares.RequireAuth(cfg.MasterKey))
	twofa.Post("/setup", twoFactorHandler.PostSetup)
	twofa.Post("/enable", twoFactorHandler.PostEnable)
	twofa.Post("/disable", twoFactorHandler.PostDisable)
	twofa.Post("/verify", twoFactorHandler.PostVerify)
	twofa.Get("/status", twoFactorHandler.GetStatus)
	twofa.Post("/backup-codes/regenerate", twoFactorHandler.PostRegenerateBackupCodes)
	twofa.Post("/test-token", twoFactorHandler.PostTestToken)

	internal := v1.Group("/internal", middlewares.RequireInternalAPIKey(cfg.InternalAPIKey))
	internal.Post("/challenges", challengeHandler.PostCreateChallenge)
	internal.Get("/challenges/:id", challengeHandler.GetChallenge)
	internal.Post("/challenges/:id/complete", challengeHandler.PostCompleteChallenge)
}

func createUser(ctx *cli.Context) error {
	cfg, err := config.LoadConfig(ctx.String(configFileFlag.Name))
	if err != nil {
		slog.Error("Could not load config file.", "error", err)
		return err
	}
	mustInitLogger(cfg.Debug || ctx.IsSet(debugFlag.Name))

	db := mustInitDatabase(cfg.MySQL)
	userService := users.NewUserService(users.NewUserRepository(db))
	user, err := userService.CreateUser(ctx.Context, users.CreateUserOptions{
		Username: ctx.String("username"),
		FullName: ctx.String("fullname"),
		Email:    ctx.String("email"),
		Password: ctx.String("password"),
	})
	if err != nil {
		return err
	}
	fmt.Printf("Created user %s (id %d)\n", user.Username, user.ID)
	return nil
}

func setPassword(ctx *cli.Context) error {
	cfg, err := config.LoadConfig(ctx.String(configFileFlag.Name))
	if err != nil {
		slog.Error("Could not load config file.", "error", err)
		return err
	}
	mustInitLogger(cfg.Debug || ctx.IsSet(debugFlag.Name))

	db := mustInitDatabase(cfg.MySQL)
	userService := users.NewUserService(users.NewUserRepository(db))
	user, err := userService.GetUserByUsernameOrEmail(ctx.Context, ctx.String("user"))
	if err != nil {
		return err
	}
	if err := userService.UpdatePassword(ctx.Context, user.ID, ctx.String("password")); err != nil {
		return err
	}
	fmt.Printf("Password updated for user %s\n", user.Username)
	return nil
}

func run(ctx *cli.Context) error {
	cfg, err := config.LoadConfig(ctx.String(configFileFlag.Name))
	if err != nil {
		slog.Error("Could not load config file.", "error", err)
		return err
	}

	mustInitLogger(cfg.Debug || ctx.IsSet(debugFlag.Name))

	db := mustInitDatabase(cfg.MySQL)
	cacheStorage, rdb := mustInitCacheStorage(cfg.Cache)
	mailSender := mustInitMailSender(cfg.Mail)
	audit.Initialize(audit.NewAuditEventRepository(db))

	var notifier twofactor.Notifier
	if mailSender != nil {
		notifier = mail.NewSecurityNotifier(mailSender, cfg.SiteName)
	} else {
		slog.Info("Mail backend not configured, security notices disabled")
	}

	// repositories
	var (
		userRepo   = users.NewUserRepository(db)
		recordRepo = twofactor.NewRecordRepository(db)
	)

	// services
	var (
		userService      = users.NewUserService(userRepo)
		twoFactorService = twofactor.NewService(
			recordRepo,
			userService,
			twofactor.NewBackupCodeManager(cfg.MasterKey),
			twofactor.ImageRenderer{},
			notifier,
			cfg.TwoFactor.Issuer,
			cfg.TwoFactor.PurgeOnDisable,
		)
		challengeService = twofactor.NewChallengeService(cacheStorage, twoFactorService, cfg.MasterKey)
	)

	router := fiber.New(fiber.Config{
		Prefork:       false,
		CaseSensitive: true,
		BodyLimit:     params.ServerBodyLimit,
		IdleTimeout:   params.ServerIdleTimeout,
		ReadTimeout:   params.ServerReadTimeout,
		WriteTimeout:  params.ServerWriteTimeout,
		ErrorHandler:  api.ErrorHandler,
	})

	router.Use(recover.New())
	router.Use(logger.New())
	router.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(cfg.AllowOrigins, ", "),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
	}))

	setupAPIRoutes(router, cfg, twoFactorService, challengeService)

	healthCheckCtx, term := context.WithCancel(ctx.Context)
	done := make(chan struct{})
	go common.StartHealthCheckServer(healthCheckCtx, done, rdb, db)
	defer func() {
		term()
		<-done
	}()
	return router.Listen(cfg.ListenAddr)
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
