package dashboard

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"
)

// HostView is one rendered row.
type HostView struct {
	Hostname string            `json:"hostname" yaml:"hostname"`
	Severity Severity          `json:"severity" yaml:"severity"`
	Muted    bool              `json:"muted,omitempty" yaml:"muted,omitempty"`
	IP       string            `json:"ip,omitempty" yaml:"ip,omitempty"`
	OS       string            `json:"os,omitempty" yaml:"os,omitempty"`
	CPU      float64           `json:"cpu" yaml:"cpu"`
	RAM      float64           `json:"ram" yaml:"ram"`
	Disk     float64           `json:"disk" yaml:"disk"`
	Uptime   string            `json:"uptime,omitempty" yaml:"uptime,omitempty"`
	LastSeen time.Time         `json:"last_seen" yaml:"last_seen"`
	Services map[string]string `json:"services,omitempty" yaml:"services,omitempty"`
	Reasons  []string          `json:"reasons,omitempty" yaml:"reasons,omitempty"`
}

// View is one frame of fleet state, hosts already in presentation order.
type View struct {
	GeneratedAt time.Time  `json:"generated_at" yaml:"generated_at"`
	Total       int        `json:"total" yaml:"total"`
	Alerts      int        `json:"alerts" yaml:"alerts"`
	AnyAlert    bool       `json:"any_alert" yaml:"any_alert"`
	Audible     bool       `json:"audible" yaml:"audible"`
	Hosts       []HostView `json:"hosts" yaml:"hosts"`
}

// BuildView renders ordered hosts. Mute only affects the audible flag.
func BuildView(ordered []HostState, muted map[string]bool, now time.Time) View {
	v := View{
		GeneratedAt: now,
		Total:       len(ordered),
		AnyAlert:    AnyAlert(ordered),
		Audible:     Audible(ordered, muted),
		Hosts:       make([]HostView, 0, len(ordered)),
	}
	for _, h := range ordered {
		if h.Severity != Healthy {
			v.Alerts++
		}
		rec := h.Record
		hv := HostView{
			Hostname: h.Hostname,
			Severity: h.Severity,
			Muted:    muted[h.Hostname],
			IP:       rec.IP,
			OS:       rec.OS,
			CPU:      float64(rec.CPU),
			RAM:      float64(rec.RAM.UsagePercent),
			Uptime:   rec.Uptime,
			LastSeen: rec.CapturedAt(),
			Reasons:  h.Reasons,
		}
		for _, d := range rec.Disk {
			if u := float64(d.UsagePercent); u > hv.Disk {
				hv.Disk = u
			}
		}
		if len(rec.Services) > 0 {
			hv.Services = make(map[string]string, len(rec.Services))
			for name, st := range rec.Services {
				hv.Services[name] = string(st.State)
			}
		}
		v.Hosts = append(v.Hosts, hv)
	}
	return v
}

// Presenter shows a view to the operator.
type Presenter interface {
	Present(v View) error
}

// NewPresenter picks a presenter by output format: text, json or yaml.
func NewPresenter(format string, w io.Writer, bell bool) (Presenter, error) {
	switch strings.ToLower(format) {
	case "", "text":
		return &TextPresenter{w: w, bell: bell}, nil
	case "json":
		return &JSONPresenter{enc: json.NewEncoder(w)}, nil
	case "yaml", "yml":
		return &YAMLPresenter{w: w}, nil
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
}

// TextPresenter prints a table per view and rings the terminal bell when the
// audible alert switches on.
type TextPresenter struct {
	w        io.Writer
	bell     bool
	wasAlert bool
}

func (p *TextPresenter) Present(v View) error {
	status := "OK"
	if v.AnyAlert {
		status = "ALERT"
	}
	ring := p.bell && v.Audible && !p.wasAlert
	p.wasAlert = v.Audible
	if ring {
		if _, err := io.WriteString(p.w, "\a"); err != nil {
			return err
		}
	}

	fmt.Fprintf(p.w, "%s  hosts=%d alerts=%d  %s\n", v.GeneratedAt.Format(time.RFC3339), v.Total, v.Alerts, status)
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEVERITY\tHOST\tIP\tCPU\tRAM\tDISK\tUPTIME\tREASONS")
	for _, h := range v.Hosts {
		sev := h.Severity.String()
		if h.Muted {
			sev += " (muted)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.1f%%\t%.1f%%\t%.1f%%\t%s\t%s\n",
			sev, h.Hostname, h.IP, h.CPU, h.RAM, h.Disk, h.Uptime, strings.Join(h.Reasons, "; "))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintln(p.w)
	return err
}

// JSONPresenter writes one JSON document per line.
type JSONPresenter struct {
	enc *json.Encoder
}

func (p *JSONPresenter) Present(v View) error { return p.enc.Encode(v) }

// YAMLPresenter writes a "---" separated YAML stream.
type YAMLPresenter struct {
	w io.Writer
}

func (p *YAMLPresenter) Present(v View) error {
	out, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(p.w, "---\n"); err != nil {
		return err
	}
	_, err = p.w.Write(out)
	return err
}
