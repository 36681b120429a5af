// Package version хранит сведения о сборке сервиса заказов.
package version

import (
	"runtime/debug"
	"sync"

	log "github.com/sirupsen/logrus"
)

const serviceName = "orders"

// Заполняются через -ldflags "-X github.com/vladislavdragonenkov/orders/internal/version.version=...".
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Build описывает собранный бинарь.
type Build struct {
	Service string
	Version string
	Commit  string
	Date    string
	Go      string
}

var (
	current     Build
	currentOnce sync.Once
)

// Current возвращает сведения о сборке. Если ldflags не заданы, commit и date
// берутся из VCS-меток go build.
func Current() Build {
	currentOnce.Do(func() {
		info, _ := debug.ReadBuildInfo()
		current = resolve(info)
	})
	return current
}

func resolve(info *debug.BuildInfo) Build {
	b := Build{Service: serviceName, Version: version, Commit: commit, Date: date}
	if info == nil {
		return b
	}
	b.Go = info.GoVersion
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			if b.Commit == "unknown" && setting.Value != "" {
				b.Commit = setting.Value
			}
		case "vcs.time":
			if b.Date == "unknown" && setting.Value != "" {
				b.Date = setting.Value
			}
		}
	}
	return b
}

// GetVersion возвращает версию сборки.
func GetVersion() string { return Current().Version }

// Fields возвращает сведения о сборке для стартового лога.
func Fields() log.Fields {
	b := Current()
	return log.Fields{
		"service": b.Service,
		"version": b.Version,
		"commit":  b.Commit,
		"date":    b.Date,
	}
}
