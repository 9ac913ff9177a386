// Package inventory provides VM lookup and pool allocation from a fixed list
// of VMs declared in configuration.
package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"vmrelay/internal/adapter/executor"
	"vmrelay/internal/domain"
)

const subsystem = "inventory"

// Options tunes readiness probing.
type Options struct {
	ReadyTimeout  time.Duration // give up waiting for a VM after this (default: 2m)
	ProbeInterval time.Duration // delay between TCP probes (default: 2s)
	DefaultPort   int           // SSH port for VMs that declare none (default: 22)
}

// Static is an in-memory inventory. VMs are claimed from their pool by
// CreateVM and returned by Release.
type Static struct {
	mu      sync.Mutex
	vms     map[string]domain.VMTarget
	pools   map[string][]string // pool -> VM ids in declaration order
	claimed map[string]string   // VM id -> name it was claimed for

	opts   Options
	dialer func(ctx context.Context, network, addr string) (net.Conn, error)
	logger *slog.Logger
}

// NewStatic builds an inventory from targets. Duplicate ids are rejected.
func NewStatic(targets []domain.VMTarget, opts Options, logger *slog.Logger) (*Static, error) {
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 2 * time.Minute
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 2 * time.Second
	}
	if opts.DefaultPort <= 0 {
		opts.DefaultPort = 22
	}

	s := &Static{
		vms:     make(map[string]domain.VMTarget, len(targets)),
		pools:   make(map[string][]string),
		claimed: make(map[string]string),
		opts:    opts,
		dialer:  (&net.Dialer{}).DialContext,
		logger:  logger,
	}
	for _, t := range targets {
		if t.ID == "" || t.Host == "" {
			return nil, domain.NewSubSystemError(subsystem, "NewStatic", domain.ErrInvalidInput, "vm id and host are required")
		}
		if _, dup := s.vms[t.ID]; dup {
			return nil, domain.NewSubSystemError(subsystem, "NewStatic", domain.ErrDuplicate, t.ID)
		}
		s.vms[t.ID] = t
		if t.Pool != "" {
			s.pools[t.Pool] = append(s.pools[t.Pool], t.ID)
		}
	}
	return s, nil
}

// Resolve implements domain.VMResolver.
func (s *Static) Resolve(_ context.Context, vmID string) (*domain.VMTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.vms[vmID]
	if !ok {
		return nil, domain.NewSubSystemError(subsystem, "Inventory.Resolve", domain.ErrNotFound, vmID)
	}
	return &t, nil
}

// CreateVM implements domain.VMProvider by claiming the first free VM in the
// requested pool.
func (s *Static) CreateVM(ctx context.Context, spec domain.VMSpec) (*domain.VMTarget, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, ok := s.pools[spec.Pool]
	if !ok {
		return nil, domain.NewSubSystemError(subsystem, "Inventory.CreateVM", domain.ErrNotFound, "pool "+spec.Pool)
	}
	for _, id := range ids {
		if _, taken := s.claimed[id]; taken {
			continue
		}
		s.claimed[id] = spec.Name
		t := s.vms[id]
		s.logger.Info("vm claimed", "vm_id", id, "pool", spec.Pool, "name", spec.Name)
		return &t, nil
	}
	return nil, domain.NewSubSystemError(subsystem, "Inventory.CreateVM", domain.ErrLimitReached,
		fmt.Sprintf("pool %q has no free vm", spec.Pool))
}

// Release returns a claimed VM to its pool. Releasing an unclaimed VM is a no-op.
func (s *Static) Release(vmID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.claimed[vmID]; ok {
		delete(s.claimed, vmID)
		s.logger.Info("vm released", "vm_id", vmID)
	}
}

// WaitReady implements domain.VMProvider. Local targets are ready at once;
// others are ready when their SSH port accepts a TCP connection.
func (s *Static) WaitReady(ctx context.Context, vm domain.VMTarget) error {
	if vm.Host == executor.LocalHost {
		return nil
	}
	port := vm.Port
	if port == 0 {
		port = s.opts.DefaultPort
	}
	addr := net.JoinHostPort(vm.Host, strconv.Itoa(port))

	ctx, cancel := context.WithTimeout(ctx, s.opts.ReadyTimeout)
	defer cancel()

	ticker := time.NewTicker(s.opts.ProbeInterval)
	defer ticker.Stop()
	for attempt := 1; ; attempt++ {
		conn, err := s.dialer(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			s.logger.Debug("vm reachable", "vm_id", vm.ID, "addr", addr, "attempts", attempt)
			return nil
		}
		select {
		case <-ctx.Done():
			return domain.NewSubSystemError("provision", "Inventory.WaitReady", domain.ErrTimeout,
				fmt.Sprintf("%s not reachable after %d attempts: %v", addr, attempt, err))
		case <-ticker.C:
		}
	}
}

// PoolStatus is the allocation state of one pool.
type PoolStatus struct {
	Name  string `json:"name"`
	Total int    `json:"total"`
	Free  int    `json:"free"`
}

// Pools returns allocation counts for every pool, sorted by name.
func (s *Static) Pools() []PoolStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PoolStatus, 0, len(s.pools))
	for name, ids := range s.pools {
		ps := PoolStatus{Name: name, Total: len(ids)}
		for _, id := range ids {
			if _, taken := s.claimed[id]; !taken {
				ps.Free++
			}
		}
		out = append(out, ps)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

var (
	_ domain.VMResolver = (*Static)(nil)
	_ domain.VMProvider = (*Static)(nil)
)
