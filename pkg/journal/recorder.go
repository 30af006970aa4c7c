package journal

import (
	"github.com/sirupsen/logrus"

	"github.com/fortiblox/x1-custody/pkg/runtime"
)

// Recorder journals runtime outcomes. Install Record as the runtime's
// OnTransactionComplete hook.
type Recorder struct {
	store Store
	log   *logrus.Entry
}

// NewRecorder creates a recorder writing to store.
func NewRecorder(store Store, log *logrus.Entry) *Recorder {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Recorder{store: store, log: log.WithField("type", "journal")}
}

// Record journals one executed transaction. Journal failures are logged; the
// transaction has already been committed or rejected by the time this runs.
func (r *Recorder) Record(tx *runtime.Transaction, outcome *runtime.Outcome) {
	rec := NewRecord(tx, outcome)
	if err := r.store.Put(rec); err != nil {
		r.log.WithError(err).WithField("signature", rec.Signature.String()).Warn("Failed to journal transaction")
		return
	}
	r.log.WithFields(logrus.Fields{
		"signature": rec.Signature.String(),
		"slot":      rec.Slot,
		"seq":       rec.Seq,
		"success":   rec.Succeeded(),
	}).Debug("Journaled transaction")
}
