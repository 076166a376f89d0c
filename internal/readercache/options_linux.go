package readercache

import (
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

func prepareConfigurationReload(app *App) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		log.WithField("file", e.Name).Infof("Configuration updated: %v", e.Op)

		// Run manual configuration updates
		applyConfiguration(app.Covers(), app.Pages())
	})
	viper.WatchConfig()
}
