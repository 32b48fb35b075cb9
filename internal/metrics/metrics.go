// Package metrics считает исходы операций магазина для Prometheus.
package metrics

import (
	"errors"

	"github.com/mmeshcher/streamshop/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Значения метки result.
const (
	ResultSuccess            = "success"
	ResultBlocked            = "blocked"
	ResultInsufficientCredit = "insufficient_credit"
	ResultOutOfStock         = "out_of_stock"
	ResultRejected           = "rejected"
	ResultError              = "error"
)

// Recorder содержит набор счётчиков. Методы nil-получателя ничего не делают.
type Recorder struct {
	purchases       *prometheus.CounterVec
	renewals        *prometheus.CounterVec
	rehabilitations prometheus.Counter
	recharged       prometheus.Counter
}

// New регистрирует счётчики в reg.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		purchases: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streamshop_purchases_total",
			Help: "Purchase attempts by result.",
		}, []string{"result"}),
		renewals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streamshop_renewals_total",
			Help: "Renewal attempts by result.",
		}, []string{"result"}),
		rehabilitations: f.NewCounter(prometheus.CounterOpts{
			Name: "streamshop_rehabilitations_total",
			Help: "Orders whose credentials were returned to stock.",
		}),
		recharged: f.NewCounter(prometheus.CounterOpts{
			Name: "streamshop_credit_recharged_total",
			Help: "Sum of recharged credit in minor units.",
		}),
	}
}

// Result относит ошибку операции к значению метки result.
func Result(err error) string {
	switch {
	case err == nil:
		return ResultSuccess
	case errors.Is(err, model.ErrUserBlocked):
		return ResultBlocked
	case errors.Is(err, model.ErrInsufficientCredit):
		return ResultInsufficientCredit
	case errors.Is(err, model.ErrOutOfStock):
		return ResultOutOfStock
	case errors.Is(err, model.ErrProductNotFound),
		errors.Is(err, model.ErrProductUnavailable),
		errors.Is(err, model.ErrNotEligible),
		errors.Is(err, model.ErrSaleTypeMismatch),
		errors.Is(err, model.ErrInvalidQuantity),
		errors.Is(err, model.ErrOrderNotFound),
		errors.Is(err, model.ErrAlreadyRehabilitated):
		return ResultRejected
	default:
		return ResultError
	}
}

func (r *Recorder) Purchase(err error) {
	if r == nil {
		return
	}
	r.purchases.WithLabelValues(Result(err)).Inc()
}

func (r *Recorder) Renewal(err error) {
	if r == nil {
		return
	}
	r.renewals.WithLabelValues(Result(err)).Inc()
}

func (r *Recorder) Rehabilitation() {
	if r == nil {
		return
	}
	r.rehabilitations.Inc()
}

func (r *Recorder) Recharge(amount int64) {
	if r == nil {
		return
	}
	r.recharged.Add(float64(amount))
}
