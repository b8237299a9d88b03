// internal/export/json.go
package export

import (
	"encoding/json"
	"os"
	"time"

	"github.com/valpere/ProxyHarvester/internal/utils"
	"github.com/valpere/ProxyHarvester/pkg/types"
)

// jsonSnapshot is the document shape of a JSON export.
type jsonSnapshot struct {
	ExportedAt time.Time     `json:"exported_at"`
	Count      int           `json:"count"`
	Proxies    []types.Proxy `json:"proxies"`
}

// WriteJSON writes the snapshot as one indented JSON document.
func (e *Exporter) WriteJSON(path string, proxies []types.Proxy) error {
	f, err := os.Create(path)
	if err != nil {
		return utils.WrapError(utils.ErrCodeInternal, "failed to create json export", err)
	}
	defer f.Close()

	doc := jsonSnapshot{
		ExportedAt: e.now().UTC(),
		Count:      len(proxies),
		Proxies:    proxies,
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return utils.WrapError(utils.ErrCodeInternal, "failed to encode json export", err)
	}
	return f.Close()
}
