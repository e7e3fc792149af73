// Package params documents the query parameter surface of the monitored
// client's telemetry call. Parameters are kept as a plain string map so
// unknown keys survive untouched when the client adds new ones.
package params

import (
	"net/url"
	"sort"
)

// Group classifies a known parameter.
type Group string

const (
	GroupVersion    Group = "version"
	GroupLicense    Group = "license"
	GroupIdentity   Group = "identity"
	GroupDeployment Group = "deployment"
	GroupFeature    Group = "feature_usage"
	GroupLookup     Group = "lookup"
	GroupPipeline   Group = "pipeline"
	GroupEvents     Group = "events"
	GroupComponents Group = "components"
	GroupTimestamps Group = "timestamps"
	GroupFlags      Group = "feature_flags"
)

// Field describes one known telemetry query parameter.
type Field struct {
	Key         string `json:"key"`
	Group       Group  `json:"group"`
	Description string `json:"description"`
}

// Fields is the documented parameter table, in display order.
var Fields = []Field{
	{"v", GroupVersion, "Product version"},
	{"env", GroupVersion, "Environment (prod/dev)"},
	{"os", GroupVersion, "Operating system"},
	{"kv", GroupVersion, "Kernel version"},

	{"lic", GroupLicense, "Base64-encoded license info"},
	{"licls", GroupLicense, "License class"},

	{"guid", GroupIdentity, "Unique instance identifier"},

	{"p", GroupDeployment, "Product/platform type"},
	{"dm", GroupDeployment, "Deployment mode"},
	{"it", GroupDeployment, "Instance type"},

	{"fc.giv", GroupFeature, "Feature usage counter"},
	{"fc.h7h", GroupFeature, "Feature usage counter"},
	{"fc.EYq", GroupFeature, "Feature usage counter"},
	{"fc.qiD", GroupFeature, "Feature usage counter"},
	{"fc.uOA", GroupFeature, "Feature usage counter"},
	{"fc.rTA", GroupFeature, "Feature usage counter"},
	{"fc.GZs", GroupFeature, "Feature usage counter"},
	{"fc.ffg", GroupFeature, "Feature usage counter"},
	{"fc.nUz", GroupFeature, "Feature usage counter"},

	{"lk.max", GroupLookup, "Max lookup entries"},
	{"lk.csv", GroupLookup, "CSV lookups count"},

	{"pp", GroupPipeline, "Total pipeline processors"},
	{"pp.ie", GroupPipeline, "Input events"},
	{"pp.ib", GroupPipeline, "Input bytes"},
	{"pp.ce", GroupPipeline, "Computed events"},
	{"pp.cb", GroupPipeline, "Computed bytes"},
	{"pp.oe", GroupPipeline, "Output events"},
	{"pp.ob", GroupPipeline, "Output bytes"},

	{"mc", GroupEvents, "Metric count"},
	{"ib", GroupEvents, "Input bytes"},
	{"ob", GroupEvents, "Output bytes"},
	{"ie", GroupEvents, "Input events"},
	{"oe", GroupEvents, "Output events"},
	{"im", GroupEvents, "Input messages"},

	{"pc", GroupComponents, "Pipeline count"},
	{"dc", GroupComponents, "Destination count"},
	{"ic", GroupComponents, "Input count"},
	{"qc", GroupComponents, "Queue count"},
	{"oc", GroupComponents, "Output count"},
	{"sc", GroupComponents, "Source count"},
	{"prc", GroupComponents, "Processor count"},
	{"rc", GroupComponents, "Route count"},
	{"wpc", GroupComponents, "Worker process count"},
	{"tpp", GroupComponents, "Total pipeline processors"},

	{"et", GroupTimestamps, "Epoch time (start time)"},
	{"lt", GroupTimestamps, "Last time (last event time)"},

	{"fs.r", GroupFlags, "Feature state"},
}

var byKey = func() map[string]Field {
	m := make(map[string]Field, len(Fields))
	for _, f := range Fields {
		m[f.Key] = f
	}
	return m
}()

// Lookup returns the documentation for a known key.
func Lookup(key string) (Field, bool) {
	f, ok := byKey[key]
	return f, ok
}

// Params holds raw telemetry query parameters. Keys are passed through
// unchanged, including dotted names such as "fc.giv".
type Params map[string]string

// FromQuery flattens a parsed query string. When a key repeats, the first
// value wins. The result is never nil.
func FromQuery(q url.Values) Params {
	p := make(Params, len(q))
	for k, vals := range q {
		if len(vals) == 0 {
			p[k] = ""
			continue
		}
		p[k] = vals[0]
	}
	return p
}

// Parse parses a raw query string leniently. Malformed pairs are skipped
// rather than rejected.
func Parse(rawQuery string) Params {
	q, _ := url.ParseQuery(rawQuery)
	return FromQuery(q)
}

// Get returns the value for key, or "" when absent.
func (p Params) Get(key string) string {
	return p[key]
}

// Known returns the documented parameters present in p.
func (p Params) Known() Params {
	out := make(Params)
	for k, v := range p {
		if _, ok := byKey[k]; ok {
			out[k] = v
		}
	}
	return out
}

// Unknown returns the parameters in p that are not documented. These are
// preserved so schema changes in the client remain visible.
func (p Params) Unknown() Params {
	out := make(Params)
	for k, v := range p {
		if _, ok := byKey[k]; !ok {
			out[k] = v
		}
	}
	return out
}

// ByGroup buckets the known parameters in p by their group.
func (p Params) ByGroup() map[Group]Params {
	out := make(map[Group]Params)
	for k, v := range p {
		f, ok := byKey[k]
		if !ok {
			continue
		}
		g, exists := out[f.Group]
		if !exists {
			g = make(Params)
			out[f.Group] = g
		}
		g[k] = v
	}
	return out
}

// Keys returns the keys of p in sorted order.
func (p Params) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
