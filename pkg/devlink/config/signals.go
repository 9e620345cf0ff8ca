package config

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"go.uber.org/zap"
)

// SignalsDefinition maps a process signal to the method broadcast to every
// peer on the message bus when it arrives, e.g. SIGUSR1 = "reload".
type SignalsDefinition struct {
	SigHup   *string   `hcl:"SIGHUP,optional"`
	SigInfo  *string   `hcl:"SIGINFO,optional"`
	SigUsr1  *string   `hcl:"SIGUSR1,optional"`
	SigUsr2  *string   `hcl:"SIGUSR2,optional"`
	DefRange hcl.Range `hcl:",def_range"`
}

type SignalsBlockHandler struct {
	singletonBlock
}

func (h *SignalsBlockHandler) Process(config *Config, block *hcl.Block) hcl.Diagnostics {
	if diags := h.claim(block); diags.HasErrors() {
		return diags
	}

	signalsDef := SignalsDefinition{}
	diags := gohcl.DecodeBody(block.Body, config.evalCtx, &signalsDef)
	if diags.HasErrors() {
		return diags
	}

	diags = diags.Extend(config.SetSignalBroadcast("SIGHUP", signalsDef.SigHup, signalsDef.DefRange))
	diags = diags.Extend(config.SetSignalBroadcast("SIGINFO", signalsDef.SigInfo, signalsDef.DefRange))
	diags = diags.Extend(config.SetSignalBroadcast("SIGUSR1", signalsDef.SigUsr1, signalsDef.DefRange))
	diags = diags.Extend(config.SetSignalBroadcast("SIGUSR2", signalsDef.SigUsr2, signalsDef.DefRange))

	return diags
}

func (c *Config) SetSignalBroadcast(sigName string, method *string, subject hcl.Range) hcl.Diagnostics {
	if method == nil {
		return nil
	}

	signalNum := signalByName(sigName)
	if signalNum == 0 {
		return hcl.Diagnostics{&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid signal name",
			Detail:   fmt.Sprintf("Signal %s is not supported on this platform", sigName),
			Subject:  subject.Ptr(),
		}}
	}

	if *method == "" {
		return hcl.Diagnostics{&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid broadcast method",
			Detail:   fmt.Sprintf("The method broadcast on %s must not be empty", sigName),
			Subject:  subject.Ptr(),
		}}
	}

	if c.SignalBroadcasts == nil {
		c.SignalBroadcasts = make(map[syscall.Signal]string)
	}
	c.SignalBroadcasts[signalNum] = *method

	return nil
}

// Broadcaster is the part of the message bus a SignalWatcher needs.
type Broadcaster interface {
	Broadcast(method string, params any) error
}

// SignalWatcher broadcasts a configured method to the bus for each signal received.
type SignalWatcher struct {
	logger  *zap.Logger
	bus     Broadcaster
	actions map[syscall.Signal]string
	sigs    chan os.Signal
}

func NewSignalWatcher(logger *zap.Logger, bus Broadcaster, actions map[syscall.Signal]string) *SignalWatcher {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &SignalWatcher{
		logger:  logger,
		bus:     bus,
		actions: actions,
		sigs:    make(chan os.Signal, 16),
	}
}

// Run delivers signals until ctx is done. With no actions configured it
// returns immediately.
func (w *SignalWatcher) Run(ctx context.Context) {
	if len(w.actions) == 0 {
		return
	}

	for sig := range w.actions {
		signal.Notify(w.sigs, sig)
	}
	defer signal.Stop(w.sigs)

	w.logger.Info("Signal watcher started", zap.Int("signals", len(w.actions)))

	for {
		select {
		case sig := <-w.sigs:
			w.handle(sig)
		case <-ctx.Done():
			return
		}
	}
}

func (w *SignalWatcher) handle(sig os.Signal) {
	num, _ := sig.(syscall.Signal)

	method, ok := w.actions[num]
	if !ok {
		w.logger.Warn("No broadcast configured for signal", zap.String("signal", sig.String()))
		return
	}

	w.logger.Debug("Signal received", zap.String("signal", sig.String()), zap.String("method", method))

	if err := w.bus.Broadcast(method, nil); err != nil {
		w.logger.Error("Failed to broadcast for signal", zap.String("signal", sig.String()), zap.Error(err))
	}
}
