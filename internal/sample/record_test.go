package sample

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord() Record {
	return Record{
		Timestamp:  1476346567.606,
		Lat:        -333424090,
		Lon:        1489832910,
		Heading:    1000,
		Pitch:      -4.05008,
		Roll:       0.182496,
		Altitude:   -88,
		HDOP:       0.66,
		VDOP:       655.35,
		Satellites: 19,
		Power:      [Channels]float32{-55.071, -54.958, -54.513, -55.682, -56.184},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		rec  Record
	}{
		{name: "typical", rec: testRecord()},
		{name: "zero", rec: Record{}},
		{
			name: "extremes",
			rec: Record{
				Timestamp:  math.MaxFloat64,
				Lat:        math.MinInt32,
				Lon:        math.MaxInt32,
				Heading:    -1,
				Pitch:      math.MaxFloat32,
				Roll:       -math.MaxFloat32,
				Altitude:   math.SmallestNonzeroFloat32,
				HDOP:       float32(math.Inf(1)),
				VDOP:       float32(math.Inf(-1)),
				Satellites: 255,
				Power:      [Channels]float32{-120, 0, 1, -0.5, 30},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := Encode(tt.rec)
			got, err := Decode(enc[:])
			require.NoError(t, err)
			if diff := cmp.Diff(tt.rec, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEncodeLayout(t *testing.T) {
	rec := testRecord()
	enc := Encode(rec)

	assert.Len(t, enc[:], Size)
	assert.Equal(t, byte(FormatVersion), enc[0])
	assert.Equal(t, rec.Satellites, enc[41])
	for i := payloadLen; i < Size; i++ {
		assert.Zerof(t, enc[i], "padding byte %d", i)
	}
	// Lat is the first int32 after the timestamp, little-endian.
	lat := int32(uint32(enc[9]) | uint32(enc[10])<<8 | uint32(enc[11])<<16 | uint32(enc[12])<<24)
	assert.Equal(t, rec.Lat, lat)
}

func TestDecodeWrongLength(t *testing.T) {
	enc := Encode(testRecord())

	for _, n := range []int{0, 1, Size - 1, Size + 1, 128} {
		buf := make([]byte, n)
		copy(buf, enc[:])
		_, err := Decode(buf)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrWrongLength), "len %d: %v", n, err)
		assert.False(t, errors.Is(err, ErrVersionMismatch))
	}
}

func TestDecodeVersionMismatch(t *testing.T) {
	enc := Encode(testRecord())
	enc[0] = FormatVersion + 1

	rec, err := Decode(enc[:])
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrVersionMismatch))

	var verr *VersionError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, uint8(FormatVersion+1), verr.Got)
	assert.Equal(t, uint8(FormatVersion), verr.Want)
	assert.Equal(t, Record{}, rec, "no field may be trusted on a version mismatch")
}

func TestUnitConversions(t *testing.T) {
	rec := testRecord()

	assert.InDelta(t, -33.342409, rec.LatDegrees(), 1e-7)
	assert.InDelta(t, 148.983291, rec.LonDegrees(), 1e-7)
	assert.InDelta(t, 10.0, rec.HeadingDegrees(), 1e-9)
	assert.InDelta(t, -0.88, rec.AltitudeMeters(), 1e-6)
	assert.Equal(t, int64(1476346567), rec.Time().Unix())
	assert.InDelta(t, 606, rec.Time().Nanosecond()/1e6, 1)
}
