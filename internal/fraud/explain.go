package fraud

import (
	"fmt"
	"math"
	"time"
)

// Explainer derives human-readable anomaly reasons from the behavioral
// signals. It does not look at the probability, so a high-risk result may
// carry no reasons and a low-risk one may carry several.
type Explainer struct {
	window time.Duration
}

// NewExplainer creates an explainer that reports velocity over window.
func NewExplainer(window time.Duration) *Explainer {
	if window <= 0 {
		window = DefaultVelocityWindow
	}
	return &Explainer{window: window}
}

// Explain returns reasons in a fixed order: amount, device, time, location,
// velocity. profile is the state before the transaction.
func (e *Explainer) Explain(tx *Transaction, profile *UserProfile, f FeatureVector) []string {
	reasons := []string{}

	if dev := f.AmountDeviation(); math.Abs(dev) > AmountDeviationAlert {
		reasons = append(reasons, fmt.Sprintf("Unusual transaction amount (%.1fx deviation from average)", dev))
	}
	if f.IsNewDevice() {
		reasons = append(reasons, fmt.Sprintf("New device detected (%s not seen before for this user)", tx.DeviceID))
	}
	if f.IsNight() {
		reasons = append(reasons, fmt.Sprintf("Unusual transaction time (hour %d, night hours)", tx.Hour))
	}
	if f.LocationChanged() {
		usual := ""
		if profile != nil {
			usual = profile.UsualLocation
		}
		reasons = append(reasons, fmt.Sprintf("Location change detected (%s differs from usual %s)", tx.Location, usual))
	}
	if v := f.Velocity(); v > VelocityAlert {
		reasons = append(reasons, fmt.Sprintf("Rapid sequential transactions (%d within %d minutes)", v, int(e.window.Minutes())))
	}

	return reasons
}
