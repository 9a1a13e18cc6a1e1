// Package systemd renders the unit file that runs payvault serve.
package systemd

import (
	"bytes"
	"fmt"
	"path/filepath"
	"text/template"
)

// UnitOptions configures the rendered service unit.
type UnitOptions struct {
	Binary     string
	ConfigPath string
	User       string
	// DataDir is the only writable path under ProtectSystem=strict.
	DataDir string
}

var unitTmpl = template.Must(template.New("unit").Parse(`[Unit]
Description=payvault secure transaction engine
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
{{- if .User}}
User={{.User}}
{{- end}}
ExecStart={{.Binary}} serve --config {{.ConfigPath}}
Restart=on-failure
RestartSec=2
UMask=0077
NoNewPrivileges=true
PrivateTmp=true
ProtectSystem=strict
ProtectHome=read-only
ReadWritePaths={{.DataDir}}

[Install]
WantedBy=multi-user.target
`))

// ServiceUnit renders payvault.service. Binary defaults to
// /usr/local/bin/payvault and DataDir to the config file's directory.
func ServiceUnit(opts UnitOptions) (string, error) {
	if opts.ConfigPath == "" {
		return "", fmt.Errorf("systemd: config path is required")
	}
	if !filepath.IsAbs(opts.ConfigPath) {
		return "", fmt.Errorf("systemd: config path %q must be absolute", opts.ConfigPath)
	}
	if opts.Binary == "" {
		opts.Binary = "/usr/local/bin/payvault"
	}
	if opts.DataDir == "" {
		opts.DataDir = filepath.Dir(opts.ConfigPath)
	}
	var buf bytes.Buffer
	if err := unitTmpl.Execute(&buf, opts); err != nil {
		return "", fmt.Errorf("systemd: render unit: %w", err)
	}
	return buf.String(), nil
}
