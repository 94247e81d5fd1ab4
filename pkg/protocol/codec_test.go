package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vjranagit/tsdv/pkg/types"
)

func TestParseQueryString(t *testing.T) {
	d := ParseQueryString("startDate=2015-03-03%2000%3A00Z&endDate=2015-03-03%2023%3A59Z&numOfPoints=100&metrics=steps%2Ccalories")

	require.NoError(t, d.Err)
	assert.Empty(t, d.Unsupported)
	assert.Equal(t, types.QueryParams{
		StartDate:   "2015-03-03 00:00Z",
		EndDate:     "2015-03-03 23:59Z",
		NumOfPoints: 100,
		Metrics:     []string{"steps", "calories"},
	}, d.Params)
}

func TestParseQueryStringUnsupportedKeysDoNotAbort(t *testing.T) {
	d := ParseQueryString("zoom=2&startDate=2020-01-01&bogus&endDate=2020-01-31&numOfPoints=40")

	require.NoError(t, d.Err)
	require.Len(t, d.Unsupported, 2)
	assert.Equal(t, "zoom", d.Unsupported[0].Key)
	assert.Equal(t, "bogus", d.Unsupported[1].Key)
	assert.Equal(t, "2020-01-01", d.Params.StartDate)
	assert.Equal(t, "2020-01-31", d.Params.EndDate)
	assert.Equal(t, 40, d.Params.NumOfPoints)
	assert.True(t, d.Params.AllMetrics())
}

func TestParseQueryStringBadNumOfPoints(t *testing.T) {
	d := ParseQueryString("startDate=a&numOfPoints=lots&endDate=b")

	var de *DecodeError
	require.True(t, errors.As(d.Err, &de))
	assert.Equal(t, KeyNumOfPoints, de.Field)
	assert.Equal(t, "b", d.Params.EndDate)
}

func TestQueryStringRoundTrip(t *testing.T) {
	cases := []types.QueryParams{
		{StartDate: "2020-01-01 00:00Z", EndDate: "2020-01-31 23:59Z", NumOfPoints: 40},
		{StartDate: "a&b=c", EndDate: "100% + more", NumOfPoints: 0, Metrics: []string{"heart_rate"}},
		{StartDate: "ünïcødé", EndDate: "'quoted'", NumOfPoints: -1, Metrics: []string{"a", "b c"}},
		{StartDate: "2020-01-01", EndDate: "2020-01-02", NumOfPoints: 5, Metrics: []string{}},
	}

	for _, want := range cases {
		d := ParseQueryString(EncodeQueryString(want))
		require.NoError(t, d.Err)
		assert.Empty(t, d.Unsupported)
		assert.Equal(t, want, d.Params)
	}
}

func TestParseQueryStringEmptyMetrics(t *testing.T) {
	d := ParseQueryString("startDate=a&endDate=b&metrics=")

	require.NoError(t, d.Err)
	assert.NotNil(t, d.Params.Metrics)
	assert.Empty(t, d.Params.Metrics)
	assert.False(t, d.Params.AllMetrics())
}

func TestParseURL(t *testing.T) {
	d, ok := ParseURL("http://localhost:8080/tsdv?startDate=2020-01-01&endDate=2020-01-02&numOfPoints=5")
	require.True(t, ok)
	require.NoError(t, d.Err)
	assert.Equal(t, "2020-01-01", d.Params.StartDate)
	assert.Equal(t, 5, d.Params.NumOfPoints)

	_, ok = ParseURL("http://localhost:8080/js/app.js")
	assert.False(t, ok)
}

func TestParseJSON(t *testing.T) {
	p, err := ParseJSON([]byte(`{"startDate":"2020-01-01","endDate":"2020-01-31","numOfPoints":40,"metrics":["steps"]}`))
	require.NoError(t, err)
	assert.Equal(t, types.QueryParams{StartDate: "2020-01-01", EndDate: "2020-01-31", NumOfPoints: 40, Metrics: []string{"steps"}}, p)

	p, err = ParseJSON([]byte(`{"startDate":"","endDate":"x","numOfPoints":"12"}`))
	require.NoError(t, err)
	assert.Equal(t, 12, p.NumOfPoints)
	assert.ErrorIs(t, Validate(p), ErrMissingDates)
}

func TestParseJSONDecodeErrors(t *testing.T) {
	inputs := map[string]string{
		"malformed":     `{"startDate":`,
		"no start":      `{"endDate":"x","numOfPoints":1}`,
		"no points":     `{"startDate":"x","endDate":"y"}`,
		"float points":  `{"startDate":"x","endDate":"y","numOfPoints":1.5}`,
		"string points": `{"startDate":"x","endDate":"y","numOfPoints":"many"}`,
	}

	for name, in := range inputs {
		t.Run(name, func(t *testing.T) {
			_, err := ParseJSON([]byte(in))
			var de *DecodeError
			assert.True(t, errors.As(err, &de), "got %v", err)
		})
	}
}

func TestEncodeJSONOmitsNilMetrics(t *testing.T) {
	b, err := EncodeJSON(types.QueryParams{StartDate: "a", EndDate: "b", NumOfPoints: 3})
	require.NoError(t, err)
	assert.JSONEq(t, `{"startDate":"a","endDate":"b","numOfPoints":3}`, string(b))
}
