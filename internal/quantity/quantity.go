// Package quantity parses, formats and compares human-readable storage capacities such as "10Gi".
//
// All arithmetic is done on 64-bit integer byte counts. Fractional inputs are accepted and truncated
// toward zero at the byte level.
package quantity

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/inf.v0"
	"k8s.io/apimachinery/pkg/api/resource"
)

// ErrMalformed is returned when a string is not of the form <number><unit>.
var ErrMalformed = errors.New("malformed quantity")

const (
	kibi = int64(1) << 10
	mebi = int64(1) << 20
	gibi = int64(1) << 30
	tebi = int64(1) << 40
)

// multipliers maps a unit suffix to its byte multiplier. K, M, G and T are binary.
var multipliers = map[string]int64{
	"":   1,
	"B":  1,
	"K":  kibi,
	"Ki": kibi,
	"KB": 1000,
	"M":  mebi,
	"Mi": mebi,
	"MB": 1000 * 1000,
	"G":  gibi,
	"Gi": gibi,
	"GB": 1000 * 1000 * 1000,
	"T":  tebi,
	"Ti": tebi,
	"TB": 1000 * 1000 * 1000 * 1000,
}

// Largest first; used to pick a readable unit for byte counts coming from the cluster.
var (
	binaryUnits  = []string{"Ti", "Gi", "Mi", "Ki"}
	decimalUnits = []string{"TB", "GB", "MB", "KB"}
)

// Anything after the number is the unit; unknown units fall back to bytes.
var pattern = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*(.*)$`)

// Quantity is a byte count remembered together with the unit it was expressed in.
// The zero value is 0 bytes.
type Quantity struct {
	bytes int64
	unit  string
}

// Parse parses s. An unrecognised unit is treated as bytes.
func Parse(s string) (Quantity, error) {
	m := pattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Quantity{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	unit := m[2]
	mult, ok := multipliers[unit]
	if !ok {
		unit, mult = "", 1
	}

	num, ok := new(inf.Dec).SetString(m[1])
	if !ok {
		return Quantity{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	scaled := new(inf.Dec).Mul(num, inf.NewDec(mult, 0))
	whole := new(inf.Dec).Round(scaled, 0, inf.RoundDown)
	b := whole.UnscaledBig()
	if !b.IsInt64() {
		return Quantity{}, fmt.Errorf("%w: %q overflows int64 bytes", ErrMalformed, s)
	}
	return Quantity{bytes: b.Int64(), unit: unit}, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) Quantity {
	q, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return q
}

// New returns a quantity of n bytes displayed in unit. Unknown units display as plain bytes.
func New(n int64, unit string) Quantity {
	if _, ok := multipliers[unit]; !ok {
		unit = ""
	}
	return Quantity{bytes: n, unit: unit}
}

// FromResource converts a Kubernetes resource quantity, picking the largest unit of the same
// family that represents the value exactly.
func FromResource(rq resource.Quantity) Quantity {
	n := rq.Value()
	units := binaryUnits
	if rq.Format == resource.DecimalSI {
		units = decimalUnits
	}
	for _, u := range units {
		if n != 0 && n%multipliers[u] == 0 {
			return Quantity{bytes: n, unit: u}
		}
	}
	return Quantity{bytes: n}
}

// ToResource converts q into a Kubernetes resource quantity.
func (q Quantity) ToResource() resource.Quantity {
	format := resource.BinarySI
	if strings.HasSuffix(q.unit, "B") && q.unit != "B" {
		format = resource.DecimalSI
	}
	return *resource.NewQuantity(q.bytes, format)
}

// Bytes returns the absolute byte value.
func (q Quantity) Bytes() int64 { return q.bytes }

// Unit returns the display unit.
func (q Quantity) Unit() string { return q.unit }

// IsZero reports whether q is 0 bytes.
func (q Quantity) IsZero() bool { return q.bytes == 0 }

// Cmp returns -1, 0 or 1 comparing absolute byte values.
func (q Quantity) Cmp(other Quantity) int {
	switch {
	case q.bytes < other.bytes:
		return -1
	case q.bytes > other.bytes:
		return 1
	default:
		return 0
	}
}

// Equal compares byte values only.
func (q Quantity) Equal(other Quantity) bool { return q.bytes == other.bytes }

// Add returns q + step expressed in q's unit. The result saturates at the maximum int64.
func (q Quantity) Add(step Quantity) Quantity {
	sum := q.bytes + step.bytes
	if step.bytes > 0 && sum < q.bytes {
		sum = int64(^uint64(0) >> 1)
	}
	return Quantity{bytes: sum, unit: q.unit}
}

// Min returns the smaller of a and b.
func Min(a, b Quantity) Quantity {
	if b.Cmp(a) < 0 {
		return b
	}
	return a
}

// String formats q in its unit. Values that are not a whole multiple of the unit are
// written as an exact decimal fraction.
func (q Quantity) String() string {
	mult := multipliers[q.unit]
	if q.bytes%mult == 0 {
		return strconv.FormatInt(q.bytes/mult, 10) + q.unit
	}
	d := new(inf.Dec).QuoExact(inf.NewDec(q.bytes, 0), inf.NewDec(mult, 0))
	if d == nil {
		return strconv.FormatInt(q.bytes, 10)
	}
	s := d.String()
	if strings.Contains(s, ".") {
		s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	}
	return s + q.unit
}

func (q Quantity) MarshalJSON() ([]byte, error) {
	return json.Marshal(q.String())
}

func (q *Quantity) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*q = Quantity{}
		return nil
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}
