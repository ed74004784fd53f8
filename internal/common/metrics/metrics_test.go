package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/payments/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequests.WithLabelValues(http.MethodGet, "/payments/{id}", "418"))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/payments/abc", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/payments/def", nil))
	after := testutil.ToFloat64(httpRequests.WithLabelValues(http.MethodGet, "/payments/{id}", "418"))

	assert.Equal(t, float64(2), after-before)
}

func TestDomainCounters(t *testing.T) {
	before := testutil.ToFloat64(vendAttempts.WithLabelValues(OutcomeReplayed))
	ObserveVend(OutcomeReplayed)
	assert.Equal(t, float64(1), testutil.ToFloat64(vendAttempts.WithLabelValues(OutcomeReplayed))-before)

	beforeAck := testutil.ToFloat64(webhookAcks.WithLabelValues("confirmation", "1"))
	ObserveAck("confirmation", 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(webhookAcks.WithLabelValues("confirmation", "1"))-beforeAck)

	beforeSMS := testutil.ToFloat64(notifications.WithLabelValues("sms", "failed"))
	ObserveNotification("sms", false)
	assert.Equal(t, float64(1), testutil.ToFloat64(notifications.WithLabelValues("sms", "failed"))-beforeSMS)
}
