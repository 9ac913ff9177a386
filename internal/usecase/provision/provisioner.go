// Package provision runs the VM provisioning workflow and reports each stage
// through the progress broadcaster.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"vmrelay/internal/domain"
	"vmrelay/internal/infra/tracer"
	"vmrelay/internal/usecase/execution"
)

const subsystem = "provision"

// DefaultScriptTimeout applies when a spec carries an init script but no timeout.
const DefaultScriptTimeout = 120

// Releaser is implemented by providers that can hand back a VM claimed for a
// workflow that later failed.
type Releaser interface {
	Release(vmID string)
}

// Provisioner drives CreateVM -> WaitReady -> init script for each request.
type Provisioner struct {
	provider    domain.VMProvider
	runner      *execution.Manager
	broadcaster domain.ProgressBroadcaster
	bus         domain.EventBus
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Provisioner. runner executes init scripts; it may be nil when
// specs never carry one.
func New(provider domain.VMProvider, runner *execution.Manager, broadcaster domain.ProgressBroadcaster, bus domain.EventBus, logger *slog.Logger) *Provisioner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Provisioner{
		provider:    provider,
		runner:      runner,
		broadcaster: broadcaster,
		bus:         bus,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Provision validates spec, publishes the first progress event and starts
// the workflow in the background. The returned tracking id already has history.
func (p *Provisioner) Provision(ctx context.Context, spec domain.VMSpec) (string, error) {
	if err := validate(spec); err != nil {
		return "", err
	}
	if p.ctx.Err() != nil {
		return "", domain.NewSubSystemError(subsystem, "Provisioner.Provision", domain.ErrInvalidState, "provisioner stopped")
	}

	trackingID := uuid.NewString()
	if _, err := p.broadcaster.Publish(ctx, trackingID, domain.StepEvent{
		Step:    domain.StagePreparing,
		Message: fmt.Sprintf("Preparing VM %s", spec.Name),
		Percent: 5,
	}); err != nil {
		return "", domain.WrapOp("Provisioner.Provision", err)
	}

	p.emit(ctx, domain.EventProvisionStarted, domain.ProvisionEventPayload{TrackingID: trackingID, Pool: spec.Pool})
	p.logger.Info("provisioning started", "tracking_id", trackingID, "name", spec.Name, "pool", spec.Pool)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(domain.ContextWithTrackingID(p.ctx, trackingID), trackingID, spec)
	}()
	return trackingID, nil
}

func validate(spec domain.VMSpec) error {
	switch {
	case strings.TrimSpace(spec.Name) == "":
		return domain.NewSubSystemError(subsystem, "Provisioner.Provision", domain.ErrInvalidInput, "name is required")
	case strings.TrimSpace(spec.Pool) == "":
		return domain.NewSubSystemError(subsystem, "Provisioner.Provision", domain.ErrInvalidInput, "pool is required")
	case spec.TimeoutSeconds < 0:
		return domain.NewSubSystemError(subsystem, "Provisioner.Provision", domain.ErrInvalidInput, "timeout must not be negative")
	}
	return nil
}

func (p *Provisioner) run(ctx context.Context, trackingID string, spec domain.VMSpec) {
	started := time.Now()

	vm, err := p.create(ctx, trackingID, spec)
	if err != nil {
		p.fail(ctx, trackingID, spec, "", started, "Failed to create VM", err)
		return
	}
	if err := p.configure(ctx, trackingID, *vm); err != nil {
		p.fail(ctx, trackingID, spec, vm.ID, started, "VM did not become reachable", err)
		return
	}
	if err := p.install(ctx, trackingID, spec, *vm); err != nil {
		p.fail(ctx, trackingID, spec, vm.ID, started, "Init script failed", err)
		return
	}

	p.step(ctx, trackingID, domain.StageFinalizing, "Finalizing", vm.ID, 95)
	if _, err := p.broadcaster.Publish(ctx, trackingID, domain.CompleteEvent{
		Message:  fmt.Sprintf("VM %s is ready", spec.Name),
		ResultID: vm.ID,
	}); err != nil {
		p.logger.Error("publish completion failed", "tracking_id", trackingID, "error", err)
	}
	p.emit(ctx, domain.EventProvisionCompleted, domain.ProvisionEventPayload{
		TrackingID: trackingID, VMID: vm.ID, Pool: spec.Pool, Duration: time.Since(started),
	})
	p.logger.Info("provisioning completed", "tracking_id", trackingID, "vm_id", vm.ID, "duration", time.Since(started))
}

func (p *Provisioner) create(ctx context.Context, trackingID string, spec domain.VMSpec) (*domain.VMTarget, error) {
	ctx, span := tracer.StartSpan(ctx, "provision.create")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("tracking.id", trackingID), tracer.StringAttr("vm.pool", spec.Pool))

	p.step(ctx, trackingID, domain.StageCreating, "Creating VM", "pool "+spec.Pool, 20)
	vm, err := p.provider.CreateVM(ctx, spec)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(tracer.StringAttr("vm.id", vm.ID))
	tracer.SetOK(span)
	return vm, nil
}

func (p *Provisioner) configure(ctx context.Context, trackingID string, vm domain.VMTarget) error {
	ctx, span := tracer.StartSpan(ctx, "provision.wait_ready")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("vm.id", vm.ID))

	p.step(ctx, trackingID, domain.StageConfiguring, "Waiting for VM to become reachable", vm.ID, 45)
	if err := p.provider.WaitReady(ctx, vm); err != nil {
		tracer.RecordError(span, err)
		return err
	}
	tracer.SetOK(span)
	return nil
}

// install runs the init script, republishing each output chunk as
// script-output. A non-zero exit fails the workflow.
func (p *Provisioner) install(ctx context.Context, trackingID string, spec domain.VMSpec, vm domain.VMTarget) error {
	if strings.TrimSpace(spec.InitScript) == "" {
		p.step(ctx, trackingID, domain.StageInstalling, "No init script", "", 60)
		return nil
	}
	if p.runner == nil {
		return domain.NewSubSystemError(subsystem, "Provisioner.install", domain.ErrInvalidState, "no script runner configured")
	}

	ctx, span := tracer.StartSpan(ctx, "provision.install")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("vm.id", vm.ID))

	timeout := spec.TimeoutSeconds
	if timeout == 0 {
		timeout = DefaultScriptTimeout
	}
	session, listener, err := p.runner.StartStream(ctx, domain.ExecutionRequest{
		VM:             vm,
		Script:         spec.InitScript,
		TimeoutSeconds: timeout,
		Caller:         "provision:" + trackingID,
	})
	if err != nil {
		tracer.RecordError(span, err)
		return err
	}
	defer listener.Close()
	span.SetAttributes(tracer.StringAttr("session.id", session.ID))

	stopAbort := context.AfterFunc(ctx, func() {
		p.runner.Abort(context.Background(), session.ID)
	})
	defer stopAbort()

	p.step(ctx, trackingID, domain.StageInstalling, "Running init script", session.ID, 60)
	for chunk := range listener.Chunks() {
		if _, err := p.broadcaster.Publish(ctx, trackingID, domain.ScriptOutputEvent{Chunk: chunk}); err != nil {
			p.logger.Warn("publish script output failed", "tracking_id", trackingID, "error", err)
		}
	}

	final, err := p.runner.Wait(context.WithoutCancel(ctx), session.ID)
	if err != nil {
		tracer.RecordError(span, err)
		return err
	}
	if err := scriptResult(final); err != nil {
		tracer.RecordError(span, err)
		return err
	}
	tracer.SetOK(span)
	return nil
}

func scriptResult(s *domain.ExecutionSession) error {
	switch {
	case s.Status == domain.ExecutionStatusCompleted && s.ExitCode != nil && *s.ExitCode == 0:
		return nil
	case s.Status == domain.ExecutionStatusCompleted && s.ExitCode != nil:
		return fmt.Errorf("init script exited with code %d", *s.ExitCode)
	case s.Error != "":
		return errors.New(s.Error)
	default:
		return fmt.Errorf("init script ended with status %s", s.Status)
	}
}

func (p *Provisioner) step(ctx context.Context, trackingID string, stage domain.Stage, message, detail string, percent int) {
	if _, err := p.broadcaster.Publish(ctx, trackingID, domain.StepEvent{
		Step: stage, Message: message, Detail: detail, Percent: percent,
	}); err != nil {
		p.logger.Warn("publish progress failed", "tracking_id", trackingID, "stage", stage, "error", err)
	}
}

func (p *Provisioner) fail(ctx context.Context, trackingID string, spec domain.VMSpec, vmID string, started time.Time, message string, cause error) {
	if vmID != "" {
		if r, ok := p.provider.(Releaser); ok {
			r.Release(vmID)
		}
	}
	// Publish with a detached context so a stopped provisioner still closes the stream.
	if _, err := p.broadcaster.Publish(context.WithoutCancel(ctx), trackingID, domain.ErrorEvent{
		Message: message,
		Error:   cause.Error(),
	}); err != nil {
		p.logger.Error("publish failure failed", "tracking_id", trackingID, "error", err)
	}
	p.emit(ctx, domain.EventProvisionFailed, domain.ProvisionEventPayload{
		TrackingID: trackingID, VMID: vmID, Pool: spec.Pool, Error: cause.Error(), Duration: time.Since(started),
	})
	p.logger.Warn("provisioning failed", "tracking_id", trackingID, "vm_id", vmID, "error", cause)
}

func (p *Provisioner) emit(ctx context.Context, eventType domain.EventType, payload domain.ProvisionEventPayload) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(ctx, domain.NewEvent(eventType, "", payload))
}

// Stop cancels running workflows and waits for them to publish their final
// event, or for ctx to expire.
func (p *Provisioner) Stop(ctx context.Context) error {
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every workflow started so far has finished.
func (p *Provisioner) Wait() { p.wg.Wait() }
