package vm

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Record is the statistics of one forecast field at one valid time.
type Record struct {
	// Dimensions
	Timestamp int64 // valid time, unix ms
	Run       string
	Lead      int // hours
	Var       string
	Level     int // hPa, 0 at the surface

	// Metrics
	Min       float32
	Max       float32
	Mean      float64
	NonFinite int
}

// Client is a Victoria Metrics client capable of inserting forecast
// statistics via various protocols.
type Client struct {
	logger       *slog.Logger
	httpCli      *http.Client
	insertURL    string
	maxConns     int
	metricPrefix string
	recToText    recToTextFunc
}

const metricPrefixRE = "^[a-zA-Z0-9]+$"

// NewClient creates a new VM client.
func NewClient(logger *slog.Logger, insertURL string, maxConns int, metricPrefix string) (*Client, error) {
	url, err := url.Parse(insertURL)
	if err != nil {
		return nil, err
	}

	matches, err := regexp.Match(metricPrefixRE, []byte(metricPrefix))
	if err != nil {
		return nil, err
	}
	if !matches {
		return nil, fmt.Errorf("metric prefix %q does not match %q regular expression", metricPrefix, metricPrefixRE)
	}

	apiParams := apiParamsFuncs[url.Path]
	if apiParams == nil {
		return nil, fmt.Errorf("inserting into %q is not supported", insertURL)
	}
	q := url.Query()
	for name, value := range apiParams(metricPrefix) {
		q.Add(name, value)
	}
	url.RawQuery = q.Encode()

	recToText := recToTextFuncs[url.Path]
	if recToText == nil {
		return nil, fmt.Errorf("inserting into %q is not supported", insertURL)
	}

	return &Client{
		logger: logger,
		httpCli: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        maxConns,
				IdleConnTimeout:     30 * time.Second,
				MaxIdleConnsPerHost: maxConns,
				MaxConnsPerHost:     maxConns,
			},
		},
		insertURL:    url.String(),
		maxConns:     max(maxConns, 1),
		metricPrefix: metricPrefix,
		recToText:    recToText,
	}, nil
}

// Insert inserts forecast records into Victoria Metrics. Failures are logged
// and otherwise ignored: metrics never stop a forecast.
func (c *Client) Insert(recs []Record) {
	res, err := c.httpCli.Post(c.insertURL, "text/plain", recsToText(recs, c.metricPrefix, c.recToText))
	if err != nil {
		c.logger.Error("Could not post data", "err", err)
		return
	}
	if res.StatusCode != http.StatusNoContent {
		c.logger.Error("Unexpected status", "code", res.StatusCode)
	}
	if _, err := io.Copy(io.Discard, res.Body); err != nil {
		c.logger.Error("Failed to drain response body", "err", err)
	}
	res.Body.Close()
}

type apiParamsFunc func(string) map[string]string

var apiParamsFuncs = map[string]apiParamsFunc{
	"/influx/write":        influxDBAPIParams,
	"/influx/api/v2/write": influxDBAPIParams,
	"/write":               influxDBAPIParams,
	"/api/v2/write":        influxDBAPIParams,
	"/api/v1/import/csv":   csvAPIParams,
}

func influxDBAPIParams(metricPrefix string) map[string]string {
	return map[string]string{"precision": "ms"}
}

func csvAPIParams(metricPrefix string) map[string]string {
	return map[string]string{
		"format": fmt.Sprintf(""+
			"1:time:unix_ms,"+
			"2:label:run,"+
			"3:label:lead,"+
			"4:label:var,"+
			"5:label:level,"+
			"6:metric:%[1]s_min,"+
			"7:metric:%[1]s_max,"+
			"8:metric:%[1]s_mean,"+
			"9:metric:%[1]s_nonfinite", metricPrefix),
	}
}

type recToTextFunc func(*strings.Builder, *Record, string)

// recsToText converts multiple records to text.
func recsToText(recs []Record, metricPrefix string, recToText recToTextFunc) io.Reader {
	var sb strings.Builder
	for _, r := range recs {
		recToText(&sb, &r, metricPrefix)
		sb.WriteString("\n")
	}
	return strings.NewReader(sb.String())
}

var recToTextFuncs = map[string]recToTextFunc{
	"/influx/write":        recToInfluxDB,
	"/influx/api/v2/write": recToInfluxDB,
	"/write":               recToInfluxDB,
	"/api/v2/write":        recToInfluxDB,
	"/api/v1/import/csv":   recToCSV,
}

var influxDBFmt = "%s,run=%s,lead=%d,var=%s,level=%d min=%g,max=%g,mean=%g,nonfinite=%d %d"

// recToInfluxDB converts a record into InfluxDB line protocol and appends it
// to the string builder.
func recToInfluxDB(sb *strings.Builder, r *Record, metricPrefix string) {
	sb.WriteString(fmt.Sprintf(influxDBFmt, []any{
		metricPrefix,
		r.Run,
		r.Lead,
		r.Var,
		r.Level,
		r.Min,
		r.Max,
		r.Mean,
		r.NonFinite,
		r.Timestamp,
	}...))
}

var csvFmt = "%d,%s,%d,%s,%d,%g,%g,%g,%d"

// recToCSV converts a record into a CSV record and appends it to the string
// builder.
func recToCSV(sb *strings.Builder, r *Record, _ string) {
	sb.WriteString(fmt.Sprintf(csvFmt, []any{
		r.Timestamp,
		r.Run,
		r.Lead,
		r.Var,
		r.Level,
		r.Min,
		r.Max,
		r.Mean,
		r.NonFinite,
	}...))
}
