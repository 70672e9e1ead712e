// Package pac renders an address table into a proxy auto-config script.
package pac

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"pacgen/internal/addresstable"
)

const (
	ContentType = "application/x-ns-proxy-autoconfig"
	Direct      = "DIRECT;"

	indent = "    "
)

var (
	//go:embed template.js
	scriptTemplate string

	tmpl = template.Must(template.New("pac").Parse(scriptTemplate))

	ErrEmptyProxy = errors.New("pac: proxy address is empty")
)

type scriptData struct {
	Proxy     string
	Addresses string
}

// Generate renders table and proxy into a complete script. Table keys are
// written in insertion order, so the same table always renders to the same
// bytes.
func Generate(table *addresstable.Table, proxy string) ([]byte, error) {
	if strings.TrimSpace(proxy) == "" {
		return nil, ErrEmptyProxy
	}

	proxyLiteral, err := jsString(proxy)
	if err != nil {
		return nil, fmt.Errorf("pac: encode proxy: %w", err)
	}
	addresses, err := objectLiteral(table)
	if err != nil {
		return nil, fmt.Errorf("pac: encode address table: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, scriptData{Proxy: proxyLiteral, Addresses: addresses}); err != nil {
		return nil, fmt.Errorf("pac: render template: %w", err)
	}
	return buf.Bytes(), nil
}

// objectLiteral writes the table the way json.dumps(indent=4) lays out a dict.
func objectLiteral(table *addresstable.Table) (string, error) {
	if table == nil || table.Len() == 0 {
		return "{}", nil
	}

	var sb strings.Builder
	sb.WriteString("{\n")
	i := 0
	for network, netmask := range table.All() {
		key, err := jsString(network)
		if err != nil {
			return "", err
		}
		value, err := jsString(netmask)
		if err != nil {
			return "", err
		}
		sb.WriteString(indent)
		sb.WriteString(key)
		sb.WriteString(": ")
		sb.WriteString(value)
		if i < table.Len()-1 {
			sb.WriteByte(',')
		}
		sb.WriteByte('\n')
		i++
	}
	sb.WriteString("}")
	return sb.String(), nil
}

func jsString(s string) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}
