package services

import (
	"bytes"
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"tunnbox/internal/models"
	"tunnbox/internal/wgconf"
)

type ReconcileReport struct {
	Started []string            `json:"started"`
	Fixed   map[string][]string `json:"fixed,omitempty"`
	Failed  map[string]string   `json:"failed,omitempty"`
}

func (r ReconcileReport) OK() bool { return len(r.Failed) == 0 }

// Reconcile brings every interface marked active back up, one at a time.
// File modes and ownership are corrected on the way, and a file whose content
// no longer matches the database is rendered again before it is used. A failing interface is
// recorded in the report and does not stop the others.
func (o *Orchestrator) Reconcile(ctx context.Context) ReconcileReport {
	report := ReconcileReport{Fixed: map[string][]string{}, Failed: map[string]string{}}

	ifaces, err := o.store.ListInterfaces(ctx)
	if err != nil {
		o.log.WithError(err).Error("reconcile: failed to list interfaces")
		report.Failed["database"] = err.Error()
		return report
	}
	for _, iface := range ifaces {
		if !iface.IsActive {
			continue
		}
		log := o.log.WithField("interface", iface.Name)
		fixed, err := o.reconcileOne(ctx, &iface)
		if len(fixed) > 0 {
			report.Fixed[iface.Name] = fixed
			log.WithField("fixes", fixed).Warn("config file drifted, corrected")
		}
		if err != nil {
			report.Failed[iface.Name] = err.Error()
			log.WithError(err).Error("reconcile: interface not started")
			continue
		}
		report.Started = append(report.Started, iface.Name)
		log.Info("reconcile: interface started")
	}

	o.log.WithFields(logrus.Fields{
		"started": len(report.Started),
		"failed":  len(report.Failed),
	}).Info("reconcile finished")
	return report
}

func (o *Orchestrator) reconcileOne(ctx context.Context, iface *models.Interface) ([]string, error) {
	name := iface.Name
	unlock := o.locks.Lock(name)
	defer unlock()

	fixed, err := o.backend.SecureConfig(ctx, name)
	if err != nil {
		return fixed, execFailed(err)
	}
	data, err := o.backend.ReadConfig(ctx, name)
	if err != nil {
		return fixed, execFailed(err)
	}
	cfg, err := wgconf.Parse(data)
	if err != nil {
		return fixed, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if err := wgconf.Validate(cfg); err != nil {
		return fixed, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	// The file is written before the records commit, so a crash in between
	// leaves it ahead of or behind the database.
	peers, err := o.store.ListPeers(ctx, iface.ID)
	if err != nil {
		return fixed, err
	}
	if want := renderConfig(iface, cfg.Interface.PrivateKey, peers); !bytes.Equal(want, data) {
		if err := o.backend.WriteConfig(ctx, name, want); err != nil {
			return fixed, execFailed(err)
		}
		fixed = append(fixed, "config rewritten from database")
	}
	if err := o.backend.Up(ctx, name); err != nil {
		o.noteFailure(name, err)
		return fixed, execFailed(err)
	}
	o.clearUnknown(name)
	return fixed, nil
}
