package gstcam

import (
	"strings"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/e7canasta/fluo-camera/internal/framesource"
)

// classifyGStreamerError maps a bus error to a device error category
//
// Device and negotiation failures end streaming (connection); anything
// else is treated as a bad frame the loop can skip.
// go-gst's GError does not expose Domain(), so this relies on string matching.
func classifyGStreamerError(gerr *gst.GError) framesource.ErrorCategory {
	if gerr == nil {
		return framesource.ErrCategoryTransient
	}

	combined := strings.ToLower(gerr.Error() + " " + gerr.DebugString())
	if containsAny(combined, connectionKeywords) {
		return framesource.ErrCategoryConnection
	}
	if containsAny(combined, geometryKeywords) {
		return framesource.ErrCategoryGeometry
	}
	return framesource.ErrCategoryTransient
}

var connectionKeywords = []string{
	"no such device",
	"cannot identify device",
	"could not open",
	"busy",
	"permission denied",
	"disconnected",
	"resource not found",
}

var geometryKeywords = []string{
	"not negotiated",
	"negotiation",
	"caps",
	"format",
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
