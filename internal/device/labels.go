package device

// Vendor fan speed and vane position strings are shifted relative to what
// users expect (vendor "quiet" is one notch above "superQuiet"), so the
// entity surface exposes canonical lowercase labels and translates at this
// table. Order matters: both lists run low to high.

var fanVendorToLabel = map[string]string{
	"auto":          "auto",
	"superQuiet":    "quiet",
	"quiet":         "low",
	"low":           "medium",
	"powerful":      "high",
	"superPowerful": "powerful",
}

var fanLabelToVendor = map[string]string{
	"auto":     "auto",
	"quiet":    "superQuiet",
	"low":      "quiet",
	"medium":   "low",
	"high":     "powerful",
	"powerful": "superPowerful",
}

// FanLabelOrder lists canonical fan labels from lowest to highest speed.
var FanLabelOrder = []string{"auto", "quiet", "low", "medium", "high", "powerful"}

var vaneVendorToLabel = map[string]string{
	"auto":          "auto",
	"swing":         "swing",
	"vertical":      "lowest",
	"midvertical":   "low",
	"midpoint":      "middle",
	"midhorizontal": "high",
	"horizontal":    "highest",
}

var vaneLabelToVendor = map[string]string{
	"auto":    "auto",
	"swing":   "swing",
	"lowest":  "vertical",
	"low":     "midvertical",
	"middle":  "midpoint",
	"high":    "midhorizontal",
	"highest": "horizontal",
}

// VaneLabelOrder lists canonical vane labels from lowest to highest position.
var VaneLabelOrder = []string{"auto", "swing", "lowest", "low", "middle", "high", "highest"}

// FanLabel translates a vendor fan speed string to its canonical label.
func FanLabel(vendor string) (string, bool) {
	l, ok := fanVendorToLabel[vendor]
	return l, ok
}

// FanVendor translates a canonical fan label back to the vendor string.
func FanVendor(label string) (string, bool) {
	v, ok := fanLabelToVendor[label]
	return v, ok
}

// VaneLabel translates a vendor air direction string to its canonical label.
func VaneLabel(vendor string) (string, bool) {
	l, ok := vaneVendorToLabel[vendor]
	return l, ok
}

// VaneVendor translates a canonical vane label back to the vendor string.
func VaneVendor(label string) (string, bool) {
	v, ok := vaneLabelToVendor[label]
	return v, ok
}
