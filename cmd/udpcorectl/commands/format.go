// Package commands implements the udpcorectl CLI commands.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	appversion "github.com/dantte-lp/udpcore/internal/version"
)

const (
	formatJSON  = "json"
	formatTable = "table"
	formatYAML  = "yaml"
	valueNone   = "-"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// tableView is a result that knows how to print itself as a table.
type tableView interface {
	writeTable(w io.Writer)
}

// render formats v as a table, JSON or YAML.
func render(v tableView, format string) (string, error) {
	switch strings.ToLower(format) {
	case formatTable:
		return renderTable(v)
	case formatJSON:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal to JSON: %w", err)
		}
		return string(data) + "\n", nil
	case formatYAML:
		data, err := yaml.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("marshal to YAML: %w", err)
		}
		return string(data), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func renderTable(v tableView) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	v.writeTable(w)
	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}
	return buf.String(), nil
}

// printable returns payload as text when it is valid UTF-8 without control
// characters, and as a hex dump otherwise.
func printable(payload []byte) string {
	if utf8.Valid(payload) && !strings.ContainsFunc(string(payload), func(r rune) bool {
		return r < 0x20 || r == 0x7f
	}) {
		return string(payload)
	}
	return fmt.Sprintf("0x%x", payload)
}

// --- View types for clean output ---

type sendView struct {
	Destination string `json:"destination" yaml:"destination"`
	Bytes       int    `json:"bytes" yaml:"bytes"`
	Reply       string `json:"reply,omitempty" yaml:"reply,omitempty"`
	ReplyFrom   string `json:"reply_from,omitempty" yaml:"reply_from,omitempty"`
	RTT         string `json:"rtt,omitempty" yaml:"rtt,omitempty"`
}

func (v *sendView) writeTable(w io.Writer) {
	fmt.Fprintf(w, "Destination:\t%s\n", v.Destination)
	fmt.Fprintf(w, "Bytes:\t%d\n", v.Bytes)
	fmt.Fprintf(w, "Reply:\t%s\n", orNone(v.Reply))
	fmt.Fprintf(w, "Reply From:\t%s\n", orNone(v.ReplyFrom))
	fmt.Fprintf(w, "RTT:\t%s\n", orNone(v.RTT))
}

type broadcastView struct {
	Port      int  `json:"port" yaml:"port"`
	Bytes     int  `json:"bytes" yaml:"bytes"`
	Delivered bool `json:"delivered" yaml:"delivered"`
}

func (v *broadcastView) writeTable(w io.Writer) {
	fmt.Fprintf(w, "Port:\t%d\n", v.Port)
	fmt.Fprintf(w, "Bytes:\t%d\n", v.Bytes)
	fmt.Fprintf(w, "Delivered:\t%t\n", v.Delivered)
}

type datagramView struct {
	From    string `json:"from" yaml:"from"`
	Family  string `json:"family" yaml:"family"`
	Size    int    `json:"size" yaml:"size"`
	Payload string `json:"payload" yaml:"payload"`
}

func (v *datagramView) writeTable(w io.Writer) {
	fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", v.From, v.Family, v.Size, v.Payload)
}

type listenView struct {
	Port      int            `json:"port" yaml:"port"`
	Sockets   int            `json:"sockets" yaml:"sockets"`
	DualMode  bool           `json:"dual_mode" yaml:"dual_mode"`
	Native    bool           `json:"native" yaml:"native"`
	Datagrams []datagramView `json:"datagrams" yaml:"datagrams"`
}

func (v *listenView) writeTable(w io.Writer) {
	fmt.Fprintf(w, "Listening on port %d (%d sockets, dual=%t, native=%t)\n",
		v.Port, v.Sockets, v.DualMode, v.Native)
	fmt.Fprintln(w, "FROM\tFAMILY\tSIZE\tPAYLOAD")
	for i := range v.Datagrams {
		v.Datagrams[i].writeTable(w)
	}
}

// versionView reuses the build metadata tags for json and yaml output.
type versionView appversion.Info

func (v *versionView) writeTable(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n", v.Binary, v.Version)
	fmt.Fprintf(w, "  commit:\t%s\n", v.GitCommit)
	fmt.Fprintf(w, "  built:\t%s\n", v.BuildDate)
	fmt.Fprintf(w, "  go:\t%s (%s)\n", v.GoVersion, v.Platform)
}

func orNone(s string) string {
	if s == "" {
		return valueNone
	}
	return s
}
