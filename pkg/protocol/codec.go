package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/vjranagit/tsdv/pkg/types"
)

// Marker is the path token that identifies an intercepted data request
const Marker = "tsdv"

// Recognized query parameter keys
const (
	KeyStartDate   = "startDate"
	KeyEndDate     = "endDate"
	KeyMetrics     = "metrics"
	KeyNumOfPoints = "numOfPoints"
)

// ErrMissingDates is returned when either end of the requested window is empty
var ErrMissingDates = errors.New("no startDate or endDate provided")

// DecodeError reports input that could not be turned into QueryParams.
// The request carrying it is abandoned.
type DecodeError struct {
	Field string
	Cause error
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("decode query params: %v", e.Cause)
	}
	return fmt.Sprintf("decode query params: field %q: %v", e.Field, e.Cause)
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}

// UnsupportedParamError reports a key the codec does not understand.
// It is diagnostic only; parsing continues past it.
type UnsupportedParamError struct {
	Key string
}

func (e *UnsupportedParamError) Error() string {
	return fmt.Sprintf("unsupported parameter %q", e.Key)
}

// Decoded is the outcome of parsing a resource-fetch query string
type Decoded struct {
	Params      types.QueryParams
	Unsupported []*UnsupportedParamError
	Err         error
}

// ParseURL applies the resource-fetch contract to a full URL. ok is false when
// the URL does not carry the marker and should resolve normally.
func ParseURL(rawURL string) (Decoded, bool) {
	idx := strings.Index(rawURL, Marker)
	if idx < 0 {
		return Decoded{}, false
	}

	rest := rawURL[idx+len(Marker):]
	if len(rest) > 0 && (rest[0] == '?' || rest[0] == '/') {
		rest = rest[1:]
	}

	return ParseQueryString(rest), true
}

// ParseQueryString decodes an &-separated key=value list into QueryParams
func ParseQueryString(raw string) Decoded {
	var d Decoded
	if raw == "" {
		return d
	}

	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}

		eq := strings.IndexByte(pair, '=')
		if eq < 0 {
			d.Unsupported = append(d.Unsupported, &UnsupportedParamError{Key: pair})
			continue
		}

		key := pair[:eq]
		value, err := url.QueryUnescape(pair[eq+1:])
		if err != nil {
			d.setErr(&DecodeError{Field: key, Cause: err})
			continue
		}

		switch key {
		case KeyStartDate:
			d.Params.StartDate = value
		case KeyEndDate:
			d.Params.EndDate = value
		case KeyMetrics:
			// an empty list selects no columns, unlike an absent key
			d.Params.Metrics = []string{}
			if value != "" {
				d.Params.Metrics = strings.Split(value, ",")
			}
		case KeyNumOfPoints:
			n, err := strconv.Atoi(value)
			if err != nil {
				d.setErr(&DecodeError{Field: key, Cause: err})
				continue
			}
			d.Params.NumOfPoints = n
		default:
			d.Unsupported = append(d.Unsupported, &UnsupportedParamError{Key: key})
		}
	}

	return d
}

// first decode failure wins
func (d *Decoded) setErr(err error) {
	if d.Err == nil {
		d.Err = err
	}
}

// EncodeQueryString is the inverse of ParseQueryString
func EncodeQueryString(p types.QueryParams) string {
	parts := []string{
		KeyStartDate + "=" + url.QueryEscape(p.StartDate),
		KeyEndDate + "=" + url.QueryEscape(p.EndDate),
		KeyNumOfPoints + "=" + strconv.Itoa(p.NumOfPoints),
	}
	if p.Metrics != nil {
		parts = append(parts, KeyMetrics+"="+url.QueryEscape(strings.Join(p.Metrics, ",")))
	}
	return strings.Join(parts, "&")
}

// wireParams mirrors the request JSON shape with presence tracking
type wireParams struct {
	StartDate   *string         `json:"startDate"`
	EndDate     *string         `json:"endDate"`
	NumOfPoints json.RawMessage `json:"numOfPoints"`
	Metrics     []string        `json:"metrics"`
}

// ParseJSON decodes the explicit-call request object
func ParseJSON(data []byte) (types.QueryParams, error) {
	var w wireParams
	if err := json.Unmarshal(data, &w); err != nil {
		return types.QueryParams{}, &DecodeError{Cause: err}
	}

	if w.StartDate == nil {
		return types.QueryParams{}, &DecodeError{Field: KeyStartDate, Cause: errors.New("missing")}
	}
	if w.EndDate == nil {
		return types.QueryParams{}, &DecodeError{Field: KeyEndDate, Cause: errors.New("missing")}
	}

	raw := bytes.TrimSpace(w.NumOfPoints)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return types.QueryParams{}, &DecodeError{Field: KeyNumOfPoints, Cause: errors.New("missing")}
	}
	n, err := parseInt(raw)
	if err != nil {
		return types.QueryParams{}, &DecodeError{Field: KeyNumOfPoints, Cause: err}
	}

	return types.QueryParams{
		StartDate:   *w.StartDate,
		EndDate:     *w.EndDate,
		NumOfPoints: n,
		Metrics:     w.Metrics,
	}, nil
}

// parseInt accepts a JSON number or a quoted integer, like a lenient JSON getter
func parseInt(raw []byte) (int, error) {
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
		return strconv.Atoi(s)
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, err
	}
	i, err := n.Int64()
	if err != nil {
		return 0, err
	}
	return int(i), nil
}

// Validate checks the invariants a query needs before reaching the engine
func Validate(p types.QueryParams) error {
	if p.StartDate == "" || p.EndDate == "" {
		return ErrMissingDates
	}
	return nil
}

// EncodeJSON produces the canonical request object handed to the engine
func EncodeJSON(p types.QueryParams) ([]byte, error) {
	return json.Marshal(p)
}
