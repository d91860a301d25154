package gamify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/teenhut/hutchat/internal/domain"
)

// CountAwards counts newly awarded challenges in
// hutchat_challenges_awarded_total, labelled by challenge id.
func CountAwards(reg prometheus.Registerer) Option {
	awarded := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Namespace: "hutchat",
		Name:      "challenges_awarded_total",
		Help:      "Challenges newly awarded to users.",
	}, []string{"challenge"})

	return OnAwarded(func(_ string, c domain.Challenge) {
		awarded.WithLabelValues(c.ID).Inc()
	})
}
