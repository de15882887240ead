package weather

import (
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the dateutc format the upload API expects.
const DateLayout = "2006-01-02 15:04:05"

// Field is one upload parameter. Value is already query-escaped.
type Field struct {
	Name  string
	Value string
}

// flatFields is the static key→parameter table for pre-converted readings,
// in emission order. dewptf and dateutc are derived separately.
var flatFields = []struct {
	key   string
	param string
	ref   func(*Reading) **float64
}{
	{"wind_dir_deg", "winddir", func(r *Reading) **float64 { return &r.WindDirDeg }},
	{"wind_avg_mi_h", "windspeedmph", func(r *Reading) **float64 { return &r.WindAvgMiH }},
	{"humidity", "humidity", func(r *Reading) **float64 { return &r.Humidity }},
	{"temperature_F", "tempf", func(r *Reading) **float64 { return &r.TemperatureF }},
}

// timeLayouts are the ISO-8601 forms accepted for a flat reading's time.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	DateLayout,
}

type Mapper struct {
	variant Variant
	logger  *slog.Logger
	now     func() time.Time
}

func NewMapper(variant Variant, logger *slog.Logger) *Mapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mapper{variant: variant, logger: logger, now: time.Now}
}

// Map turns a reading into upload parameters. Absent measurements are
// skipped; Map never fails.
func (m *Mapper) Map(r Reading) []Field {
	if m.variant == VariantFlat {
		return m.mapFlat(r)
	}
	return m.mapNested(r)
}

func (m *Mapper) mapNested(r Reading) []Field {
	var fields []Field
	o := r.Object
	if o == nil {
		o = &NestedReading{}
		m.logger.Debug("reading has no object; only dateutc will be sent")
	}

	if o.Temperature != nil {
		f := CelsiusToFahrenheit(*o.Temperature)
		fields = append(fields, field("tempf", formatConverted(f)))
		m.logger.Info("temperature", "degF", f, "degC", *o.Temperature)
	}
	if o.AirPressure != nil {
		if o.Temperature != nil {
			p := StationPressureToSeaLevelInHg(*o.AirPressure, *o.Temperature)
			fields = append(fields, field("baromin", formatConverted(p)))
			m.logger.Info("pressure", "inHg", p, "hPa", *o.AirPressure)
		} else {
			m.logger.Warn("air pressure skipped: temperature needed for sea-level correction", "hPa", *o.AirPressure)
		}
	}
	if o.Humidity != nil {
		fields = append(fields, field("humidity", formatRaw(*o.Humidity)))
		m.logger.Info("humidity", "pct", *o.Humidity)
	}
	if o.Temperature != nil && o.Humidity != nil {
		dp := CelsiusToFahrenheit(EstimateDewpointC(*o.Temperature, *o.Humidity))
		fields = append(fields, field("dewptf", formatConverted(dp)))
		m.logger.Info("dew point", "degF", dp)
	}

	ts := m.now().UTC().Format(DateLayout)
	fields = append(fields, field("dateutc", ts))
	m.logger.Debug("dateutc", "value", ts)
	return fields
}

func (m *Mapper) mapFlat(r Reading) []Field {
	for _, key := range r.Skipped {
		m.logger.Warn("value skipped: unexpected type", "key", key)
	}

	var fields []Field
	for _, ff := range flatFields {
		v := *ff.ref(&r)
		if v == nil {
			continue
		}
		fields = append(fields, field(ff.param, formatRaw(*v)))
		m.logger.Info("value", "key", ff.key, "param", ff.param, "value", *v)
	}

	if r.TemperatureF != nil && r.Humidity != nil {
		dp := roundTo(EstimateDewpointF(*r.TemperatureF, *r.Humidity), 1)
		fields = append(fields, field("dewptf", formatConverted(dp)))
		m.logger.Info("dew point", "degF", dp)
	}

	if r.Time != nil {
		ts, ok := parseReadingTime(*r.Time)
		if !ok {
			m.logger.Warn("unparseable reading time skipped", "time", *r.Time)
			return fields
		}
		v := ts.UTC().Format(DateLayout)
		fields = append(fields, field("dateutc", v))
		m.logger.Debug("dateutc", "value", v)
	}
	return fields
}

func field(name, value string) Field {
	return Field{Name: name, Value: url.QueryEscape(value)}
}

// formatRaw renders a value the way it arrived: 50 stays "50".
func formatRaw(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// formatConverted renders a computed value with at least one decimal: 68 becomes "68.0".
func formatConverted(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eEnN") {
		s += ".0"
	}
	return s
}

func parseReadingTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
