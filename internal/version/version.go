package version

import "fmt"

// Значения подставляются при сборке:
//
//	go build -ldflags "-X github.com/vladislavdragonenkov/possync/internal/version.version=1.4.0"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const product = "pos-syncd"

// BuildInfo описывает сборку.
type BuildInfo struct {
	Product string `json:"product"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Get возвращает сведения о текущей сборке.
func Get() BuildInfo {
	return BuildInfo{Product: product, Version: version, Commit: commit, Date: date}
}

func (b BuildInfo) String() string {
	return fmt.Sprintf("%s %s (commit %s, built %s)", b.Product, b.Version, b.Commit, b.Date)
}

// Version возвращает номер версии сборки.
func Version() string { return version }

// UserAgent — заголовок User-Agent для запросов к удалённому API.
func UserAgent() string {
	return product + "/" + version
}
