// internal/export/export.go
package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/valpere/ProxyHarvester/internal/config"
	"github.com/valpere/ProxyHarvester/internal/utils"
	"github.com/valpere/ProxyHarvester/pkg/types"
)

// Exporter writes pool snapshots to files in the configured directory.
type Exporter struct {
	cfg    config.ExportConfig
	logger utils.Logger
	now    func() time.Time
}

// New builds an exporter rooted at cfg.Directory.
func New(cfg config.ExportConfig, logger utils.Logger) *Exporter {
	if cfg.Directory == "" {
		cfg.Directory = "exports"
	}
	return &Exporter{
		cfg:    cfg,
		logger: logger.WithField("component", "export"),
		now:    time.Now,
	}
}

// Export writes a timestamped snapshot in the requested format and
// returns the file path. Supported formats: csv, json, xlsx.
func (e *Exporter) Export(ctx context.Context, proxies []types.Proxy, format string) (string, error) {
	if err := os.MkdirAll(e.cfg.Directory, 0o755); err != nil {
		return "", utils.WrapError(utils.ErrCodeInternal, "failed to create export directory", err)
	}

	name := fmt.Sprintf("proxies_%s.%s", e.now().UTC().Format("20060102_150405"), format)
	path := filepath.Join(e.cfg.Directory, name)

	var err error
	switch format {
	case "csv":
		err = e.WriteCSV(path, proxies)
	case "json":
		err = e.WriteJSON(path, proxies)
	case "xlsx":
		err = e.WriteExcel(path, proxies)
	default:
		return "", utils.NewError(utils.ErrCodeConfig, fmt.Sprintf("unsupported export format %q", format))
	}
	if err != nil {
		return "", err
	}

	e.logger.WithFields(map[string]interface{}{
		"path": path, "format": format, "proxies": len(proxies),
	}).Info("snapshot exported")
	return path, nil
}

// columns is the flat field order shared by the CSV and XLSX writers.
var columns = []string{
	"ip", "port", "protocol", "anonymity", "country", "region", "city",
	"source", "response_time_ms", "success_rate", "quality_score",
	"is_active", "last_checked", "last_success",
}

func row(p *types.Proxy) []string {
	return []string{
		p.IP,
		fmt.Sprintf("%d", p.Port),
		string(p.Protocol),
		string(p.Anonymity),
		p.Country,
		p.Region,
		p.City,
		p.Source,
		fmt.Sprintf("%d", p.ResponseTimeMs),
		fmt.Sprintf("%.4f", p.SuccessRate),
		fmt.Sprintf("%.2f", p.QualityScore),
		fmt.Sprintf("%t", p.IsActive),
		formatTime(p.LastChecked),
		formatTime(p.LastSuccess),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
