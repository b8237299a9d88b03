// internal/export/csv.go
package export

import (
	"encoding/csv"
	"os"

	"github.com/valpere/ProxyHarvester/internal/utils"
	"github.com/valpere/ProxyHarvester/pkg/types"
)

// WriteCSV writes the snapshot as RFC 4180 CSV with a header row.
func (e *Exporter) WriteCSV(path string, proxies []types.Proxy) error {
	f, err := os.Create(path)
	if err != nil {
		return utils.WrapError(utils.ErrCodeInternal, "failed to create csv export", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(columns); err != nil {
		return utils.WrapError(utils.ErrCodeInternal, "failed to write csv header", err)
	}
	for i := range proxies {
		if err := w.Write(row(&proxies[i])); err != nil {
			return utils.WrapError(utils.ErrCodeInternal, "failed to write csv row", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return utils.WrapError(utils.ErrCodeInternal, "failed to flush csv export", err)
	}
	return f.Close()
}
