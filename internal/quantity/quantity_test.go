package quantity

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/api/resource"
)

func TestParse(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		In        string
		WantBytes int64
		WantStr   string
	}{
		{"10Gi", 10 * 1024 * 1024 * 1024, "10Gi"},
		{"10G", 10 * 1024 * 1024 * 1024, "10G"},
		{"10GB", 10 * 1000 * 1000 * 1000, "10GB"},
		{"512Mi", 512 * 1024 * 1024, "512Mi"},
		{"1Ti", 1 << 40, "1Ti"},
		{"3TB", 3 * 1000 * 1000 * 1000 * 1000, "3TB"},
		{"2K", 2048, "2K"},
		{"2KB", 2000, "2KB"},
		{"100B", 100, "100B"},
		{"100", 100, "100"},
		{"1.5Gi", 1610612736, "1.5Gi"},
		{"0.1Ki", 102, "0.099609375Ki"},
		{" 7Mi ", 7 * 1024 * 1024, "7Mi"},
		// Unknown units fall back to bytes.
		{"10Xyz", 10, "10"},
		{"10G!", 10, "10"},
		{"10%", 10, "10"},
		{"1.Gi", 1, "1"},
		{"1e3Gi", 1, "1"},
	} {
		got, err := Parse(tt.In)
		require.NoError(t, err, tt.In)
		require.Equal(t, tt.WantBytes, got.Bytes(), tt.In)
		require.Equal(t, tt.WantStr, got.String(), tt.In)
	}
}

func TestParse_Malformed(t *testing.T) {
	t.Parallel()

	for _, s := range []string{
		"",
		"Gi",
		"abc",
		"-1Gi",
		".5Gi",
		"99999999999TB",
	} {
		_, err := Parse(s)
		require.ErrorIs(t, err, ErrMalformed, s)
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"1", "1B", "1023Ki", "1.25Mi", "2.5GB", "0.3Ti", "17.123456789Gi", "99TB", "5Xq"} {
		q := MustParse(s)
		again, err := Parse(q.String())
		require.NoError(t, err, s)
		require.Equal(t, q.Bytes(), again.Bytes(), s)
	}
}

func TestAdd(t *testing.T) {
	t.Parallel()

	got := MustParse("10Gi").Add(MustParse("5Gi"))
	require.Equal(t, "15Gi", got.String())

	// Result keeps the unit of the left operand.
	got = MustParse("1Gi").Add(MustParse("512Mi"))
	require.Equal(t, "1.5Gi", got.String())

	got = MustParse("1GB").Add(MustParse("1Gi"))
	require.Equal(t, int64(1000*1000*1000+1<<30), got.Bytes())
	require.Equal(t, "GB", got.Unit())

	huge := New(int64(^uint64(0)>>1)-1, "")
	require.Equal(t, int64(^uint64(0)>>1), huge.Add(MustParse("1Ki")).Bytes())
}

func TestCmpAndMin(t *testing.T) {
	t.Parallel()

	a, b := MustParse("1Gi"), MustParse("1024Mi")
	require.Zero(t, a.Cmp(b))
	require.True(t, a.Equal(b))
	require.Equal(t, -1, MustParse("1GB").Cmp(MustParse("1Gi")))
	require.Equal(t, 1, MustParse("2Ti").Cmp(MustParse("2TB")))

	require.Equal(t, "100Gi", Min(MustParse("110Gi"), MustParse("100Gi")).String())
	require.Equal(t, "60Gi", Min(MustParse("60Gi"), MustParse("100Gi")).String())
}

func TestResourceConversion(t *testing.T) {
	t.Parallel()

	q := FromResource(resource.MustParse("50Gi"))
	require.Equal(t, "50Gi", q.String())

	q = FromResource(resource.MustParse("20G"))
	require.Equal(t, "20GB", q.String())

	q = FromResource(resource.MustParse("1536Mi"))
	require.Equal(t, "1536Mi", q.String())

	rq := MustParse("60Gi").ToResource()
	require.Equal(t, "60Gi", rq.String())

	rq = MustParse("5GB").ToResource()
	require.Equal(t, "5G", rq.String())
}

func TestJSON(t *testing.T) {
	t.Parallel()

	type holder struct {
		Size Quantity `json:"size"`
	}
	b, err := json.Marshal(holder{Size: MustParse("1.5Gi")})
	require.NoError(t, err)
	require.JSONEq(t, `{"size":"1.5Gi"}`, string(b))

	var h holder
	require.NoError(t, json.Unmarshal([]byte(`{"size":"20Mi"}`), &h))
	require.Equal(t, int64(20*1024*1024), h.Size.Bytes())

	err = json.Unmarshal([]byte(`{"size":"lots"}`), &h)
	require.ErrorIs(t, err, ErrMalformed)
}
