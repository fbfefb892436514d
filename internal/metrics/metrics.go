// Package metrics exposes account-lifecycle and catalog counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what the services report to. Collector implements it; tests
// and tools that do not care pass Nop.
type Recorder interface {
	Signup()
	Verified(method string)
	VerificationRejected(reason string)
	Login(outcome string)
	EmailSent()
	EmailFailed()
	BotCreated()
	BotDeleted(byAdmin bool)
}

// Verification methods.
const (
	MethodLink = "link"
	MethodCode = "code"
)

// Login outcomes.
const (
	LoginSuccess            = "success"
	LoginInvalidCredentials = "invalid_credentials"
	LoginUnverified         = "unverified"
)

// Collector holds the registered Prometheus counters.
type Collector struct {
	signups        prometheus.Counter
	verifications  *prometheus.CounterVec
	verifyRejected *prometheus.CounterVec
	logins         *prometheus.CounterVec
	emails         *prometheus.CounterVec
	botsCreated    prometheus.Counter
	botsDeleted    *prometheus.CounterVec
	gatherer       prometheus.Gatherer
}

// NewCollector creates the counters and registers them on reg. Pass a fresh
// prometheus.NewRegistry() per server so tests can build many servers.
func NewCollector(reg *prometheus.Registry) *Collector {
	c := &Collector{
		signups: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "botcatalog_signups_total",
			Help: "Accounts created.",
		}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "botcatalog_verifications_total",
			Help: "Accounts verified, by method.",
		}, []string{"method"}),
		verifyRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "botcatalog_verification_rejected_total",
			Help: "Rejected verification attempts, by reason.",
		}, []string{"reason"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "botcatalog_logins_total",
			Help: "Login attempts, by outcome.",
		}, []string{"outcome"}),
		emails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "botcatalog_emails_total",
			Help: "Verification emails dispatched, by result.",
		}, []string{"result"}),
		botsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "botcatalog_bots_created_total",
			Help: "Catalog entries created.",
		}),
		botsDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "botcatalog_bots_deleted_total",
			Help: "Catalog entries deleted, by actor.",
		}, []string{"actor"}),
		gatherer: reg,
	}

	reg.MustRegister(
		c.signups,
		c.verifications,
		c.verifyRejected,
		c.logins,
		c.emails,
		c.botsCreated,
		c.botsDeleted,
	)
	return c
}

func (c *Collector) Signup() { c.signups.Inc() }
func (c *Collector) Verified(method string) { c.verifications.WithLabelValues(method).Inc() }
func (c *Collector) VerificationRejected(r string) { c.verifyRejected.WithLabelValues(r).Inc() }
func (c *Collector) Login(outcome string) { c.logins.WithLabelValues(outcome).Inc() }
func (c *Collector) EmailSent() { c.emails.WithLabelValues("sent").Inc() }
func (c *Collector) EmailFailed() { c.emails.WithLabelValues("failed").Inc() }
func (c *Collector) BotCreated() { c.botsCreated.Inc() }

func (c *Collector) BotDeleted(byAdmin bool) {
	actor := "owner"
	if byAdmin {
		actor = "admin"
	}
	c.botsDeleted.WithLabelValues(actor).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// Nop discards every event.
type Nop struct{}

func (Nop) Signup() {}
func (Nop) Verified(string) {}
func (Nop) VerificationRejected(string) {}
func (Nop) Login(string) {}
func (Nop) EmailSent() {}
func (Nop) EmailFailed() {}
func (Nop) BotCreated() {}
func (Nop) BotDeleted(bool) {}
