package domain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQualityPassed(t *testing.T) {
	tests := []struct {
		q    Quality
		want bool
	}{
		{0, false},
		{1, false},
		{2, false},
		{3, true},
		{4, true},
		{5, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.q.Passed(), "Quality(%d).Passed()", tt.q)
	}
	assert.False(t, Fail.Passed())
	assert.True(t, Pass.Passed())
}

func TestQualityIsValid(t *testing.T) {
	assert.True(t, Quality(0).IsValid())
	assert.True(t, Quality(5).IsValid())
	assert.False(t, Quality(-1).IsValid())
	assert.False(t, Quality(6).IsValid())
	assert.Equal(t, "Quality(9)", Quality(9).String())
}

func TestParseQuality(t *testing.T) {
	tests := []struct {
		in      string
		want    Quality
		wantErr bool
	}{
		{in: "0", want: 0},
		{in: " 5 ", want: 5},
		{in: "pass", want: Pass},
		{in: "FAIL", want: Fail},
		{in: "6", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "good", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseQuality(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidInput))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestQualityUnmarshalJSON(t *testing.T) {
	var body struct {
		Quality Quality `json:"quality"`
	}

	require.NoError(t, json.Unmarshal([]byte(`{"quality":2}`), &body))
	assert.Equal(t, Quality(2), body.Quality)

	require.NoError(t, json.Unmarshal([]byte(`{"quality":"pass"}`), &body))
	assert.Equal(t, Pass, body.Quality)

	// Out of range numbers decode; the review service rejects them.
	require.NoError(t, json.Unmarshal([]byte(`{"quality":42}`), &body))
	assert.False(t, body.Quality.IsValid())

	err := json.Unmarshal([]byte(`{"quality":"meh"}`), &body)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestQualityMapKeys(t *testing.T) {
	out, err := json.Marshal(map[Quality]int{Fail: 1, Pass: 6})
	require.NoError(t, err)
	assert.JSONEq(t, `{"0":1,"4":6}`, string(out))

	var back map[Quality]int
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, 6, back[Pass])

	var q Quality
	assert.Error(t, q.UnmarshalText([]byte("9")))
}
