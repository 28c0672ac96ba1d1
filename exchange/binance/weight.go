package binance

import (
	"net/http"
	"strconv"

	"datacollector/internal/metrics"
	"datacollector/logger"
)

var weightHeaders = []struct {
	key    string
	window string
}{
	{"X-MBX-USED-WEIGHT-1M", "1m"},
	{"X-MBX-USED-WEIGHT", "1m"},
	{"X-MBX-USED-WEIGHT-1S", "1s"},
}

// weightTransport publishes the used request weight binance returns on
// every REST response.
type weightTransport struct {
	base http.RoundTripper
	log  *logger.Entry
}

func (t weightTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err == nil {
		reportUsedWeight(t.log, resp)
	}
	return resp, err
}

// withWeightTracking returns a copy of client whose transport reports used
// weight. The original client is left untouched.
func withWeightTracking(client *http.Client, log *logger.Entry) *http.Client {
	wrapped := *client
	base := wrapped.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	wrapped.Transport = weightTransport{base: base, log: log}
	return &wrapped
}

func reportUsedWeight(log *logger.Entry, resp *http.Response) (float64, bool) {
	for _, h := range weightHeaders {
		value := resp.Header.Get(h.key)
		if value == "" {
			continue
		}
		used, err := strconv.ParseFloat(value, 64)
		if err != nil {
			log.WithFields(logger.Fields{"header": h.key, "value": value}).WithError(err).Debug("failed to parse used weight header")
			continue
		}
		metrics.UsedWeight(Name, h.window, used)
		return used, true
	}
	return 0, false
}
