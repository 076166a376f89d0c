//go:build !linux
// +build !linux

package readercache

func prepareConfigurationReload(app *App) {
	// Configuration is only reloaded on restart outside Linux
}
