package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tuzkov/snapcam/camera"
	"github.com/tuzkov/snapcam/permission"
	"github.com/tuzkov/snapcam/server"
	"github.com/tuzkov/snapcam/service"
	"github.com/tuzkov/snapcam/storage"
)

var loglevel = new(slog.LevelVar)

var serverCmd = &cobra.Command{
	Use:   "snapcam",
	Short: "Camera preview and still capture in the browser",
	Run: func(cmd *cobra.Command, args []string) {
		if err := entrypoint(); err != nil {
			slog.Error("entrypoint error", "err", err)
			os.Exit(1)
		}
	},
}

func initConfig() {
	camDefaults := camera.DefaultConfig()

	viper.SetDefault("port", 8080)
	viper.SetDefault("loglevel", "info")
	viper.SetDefault("appName", "snapcam")
	viper.SetDefault("storage.picturesDir", storage.DefaultPicturesDir())
	viper.SetDefault("permission.autoGrant", false)
	viper.SetDefault("permission.requestCode", permission.DefaultConfig().RequestCode)
	viper.SetDefault("camera.jpegQuality", camDefaults.JPEGQuality)
	viper.SetDefault("camera.previewInterval", camDefaults.PreviewInterval)
	viper.SetDefault("thumbnail.width", 160)
	viper.SetDefault("thumbnail.height", 160)
	viper.SetDefault("thumbnail.quality", camDefaults.JPEGQuality)
	viper.SetDefault("mirror.timeout", "10s")

	viper.SetConfigName("config")
	viper.AddConfigPath(".")
	viper.SetEnvPrefix("SNAPCAM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	viper.ReadInConfig()
}

func entrypoint() error {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: loglevel,
	}))

	cfg, err := getConfig()
	if err != nil {
		return err
	}
	setLogLevel(cfg.LogLevel)
	log.Info("Starting service", "addr", cfg.Addr, "loglevel", cfg.LogLevel)

	log.Debug("config", "cfg", *cfg)
	srv, err := server.NewServer(log, cfg)
	if err != nil {
		return fmt.Errorf("fail to create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("fail to listen: %w", err)
	}

	return nil
}

func getConfig() (*server.Config, error) {
	cam := camera.DefaultConfig()
	if viper.IsSet("camera.devices") {
		var devs []camera.DeviceConfig
		if err := viper.UnmarshalKey("camera.devices", &devs); err != nil {
			return nil, fmt.Errorf("fail to read camera devices: %w", err)
		}
		cam.Devices = devs
	}
	cam.JPEGQuality = viper.GetInt("camera.jpegQuality")
	cam.PreviewInterval = viper.GetDuration("camera.previewInterval")

	perm := permission.DefaultConfig()
	perm.RequestCode = viper.GetInt("permission.requestCode")

	return &server.Config{
		Addr:     fmt.Sprintf(":%d", viper.GetInt("port")),
		LogLevel: viper.GetString("loglevel"),

		Camera:      cam,
		Permission:  perm,
		AutoGrant:   viper.GetBool("permission.autoGrant"),
		PicturesDir: viper.GetString("storage.picturesDir"),
		AppName:     viper.GetString("appName"),

		Config: service.Config{
			PreviewInterval:  cam.PreviewInterval,
			ThumbnailWidth:   viper.GetInt("thumbnail.width"),
			ThumbnailHeight:  viper.GetInt("thumbnail.height"),
			ThumbnailQuality: viper.GetInt("thumbnail.quality"),
			Mirror: service.MirrorConfig{
				Enabled:  viper.GetBool("mirror.enabled"),
				Endpoint: viper.GetString("mirror.endpoint"),
				Username: viper.GetString("mirror.username"),
				Password: viper.GetString("mirror.password"),
				Timeout:  viper.GetDuration("mirror.timeout"),
			},
		},
	}, nil
}

func setLogLevel(level string) {
	level = strings.ToLower(level)
	switch level {
	case "debug":
		loglevel.Set(slog.LevelDebug)
	case "info":
		loglevel.Set(slog.LevelInfo)
	case "warn":
		loglevel.Set(slog.LevelWarn)
	case "error":
		loglevel.Set(slog.LevelError)
	default:
		slog.Warn("unknown log level, using INFO instead", "level", level)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	serverCmd.Flags().IntP("port", "p", 8080, "Listen port")
	viper.BindPFlag("port", serverCmd.Flags().Lookup("port"))
	serverCmd.Flags().BoolP("autogrant", "g", false, "Grant camera permission without asking")
	viper.BindPFlag("permission.autoGrant", serverCmd.Flags().Lookup("autogrant"))
	serverCmd.Flags().String("pictures", "", "Pictures directory")
	viper.BindPFlag("storage.picturesDir", serverCmd.Flags().Lookup("pictures"))
	serverCmd.Flags().Bool("mirror", false, "Upload every picture to mirror.endpoint")
	viper.BindPFlag("mirror.enabled", serverCmd.Flags().Lookup("mirror"))
}

func main() {
	serverCmd.Execute()
}
