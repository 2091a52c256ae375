package service

import (
	"parley.app/dialog/internal/lock"
	"parley.app/dialog/internal/queue"
	"parley.app/dialog/internal/store"
)

type ServicesConfig struct {
	Stores       store.Provider
	Producer     queue.Producer
	Locks        *lock.Manager
	Orchestrator Orchestrator
	Sweeper      Sweeper
	Scheduler    Scheduler
}

type Services struct {
	inbound *InboundGate
	admin   AdminService
}

func NewServices(cfg ServicesConfig) *Services {
	return &Services{
		inbound: NewInboundGate(cfg.Stores, cfg.Producer),
		admin:   NewAdminService(cfg.Locks, cfg.Orchestrator, cfg.Sweeper, cfg.Scheduler),
	}
}

func (s *Services) Inbound() InboundService {
	return s.inbound
}

func (s *Services) Admin() AdminService {
	return s.admin
}

// Drain waits for background work started by request handlers.
func (s *Services) Drain() {
	s.inbound.Wait()
}
