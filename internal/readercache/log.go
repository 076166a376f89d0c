package readercache

import (
	"path/filepath"
	"time"

	colorable "github.com/mattn/go-colorable"
	"github.com/sirupsen/logrus"
	"github.com/snowzach/rotatefilehook"
	"github.com/spf13/viper"
)

var log = logrus.New()

// initLogger configures console output and, when withFile is set, a rotating JSON log file
func initLogger(withFile bool) {
	logLevel, err := logrus.ParseLevel(viper.GetString(KeyLogLevel))
	if err != nil {
		logLevel = logrus.InfoLevel
	}

	log.SetLevel(logLevel)
	log.SetOutput(colorable.NewColorableStdout())
	log.SetFormatter(&logrus.TextFormatter{
		ForceColors:     true,
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	if !withFile {
		return
	}

	rotateFileHook, err := rotatefilehook.NewRotateFileHook(rotatefilehook.RotateFileConfig{
		Filename:   filepath.Join(viper.GetString("log.directory"), ClientName+".log"),
		MaxSize:    viper.GetInt("log.max_size_mebibytes"),
		MaxBackups: viper.GetInt("log.max_backups"),
		MaxAge:     viper.GetInt("log.max_age_days"),
		Level:      logrus.TraceLevel,
		Formatter: &logrus.JSONFormatter{
			TimestampFormat: time.RFC822,
		},
	})
	if err != nil {
		log.Fatalf("Failed to initialize file rotate hook: %v", err)
	}
	log.AddHook(rotateFileHook)
}
