package cluster

import (
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	"github.com/spf13/afero"

	"flowbroker/config"
	"flowbroker/constants"
)

// Lease the binary leadership signal the control loops gate on. Exactly one
// broker in a cluster holds the lease; meta tasks and trigger firing run
// only on the holder.
type Lease interface {
	IsActiveScheduler() bool
	OnGainOwnership(callback func())
	OnLoseOwnership(callback func())
	Stop() error
}

// StaticLease permanent leadership for single-node deployments and tests.
type StaticLease struct{}

func NewStaticLease() *StaticLease {
	return &StaticLease{}
}

func (lease *StaticLease) IsActiveScheduler() bool { return true }

func (lease *StaticLease) OnGainOwnership(callback func()) { go callback() }

func (lease *StaticLease) OnLoseOwnership(callback func()) {}

func (lease *StaticLease) Stop() error { return nil }

// RaftLease leadership election via raft. The log carries no domain data;
// all scheduling state lives in the shared database, so the FSM is a no-op
// and the lease is only the election outcome.
type RaftLease struct {
	logger           hclog.Logger
	flowbrokerConfig config.FlowbrokerConfig

	raft         *raft.Raft
	observerCh   chan raft.Observation
	observer     *raft.Observer
	stopCh       chan struct{}
	gainHandlers []func()
	loseHandlers []func()
}

func NewRaftLease(logger hclog.Logger, flowbrokerConfig config.FlowbrokerConfig, dirPath string) (*RaftLease, error) {
	leaseLogger := logger.Named("raft-lease")
	configs := flowbrokerConfig.GetConfigurations()

	raftDirPath := path.Join(dirPath, constants.RaftDir)
	fs := afero.NewOsFs()
	if err := fs.MkdirAll(raftDirPath, os.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to create raft dir: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(path.Join(raftDirPath, constants.RaftLog))
	if err != nil {
		return nil, fmt.Errorf("failed to open raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(path.Join(raftDirPath, constants.RaftStableLog))
	if err != nil {
		return nil, fmt.Errorf("failed to open raft stable store: %w", err)
	}

	advertiseAddr, err := net.ResolveTCPAddr("tcp", configs.RaftAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid raft address %q: %w", configs.RaftAddress, err)
	}
	transport, err := raft.NewTCPTransport(configs.RaftAddress, advertiseAddr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft transport: %w", err)
	}

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(strconv.FormatUint(configs.NodeId, 10))
	raftConfig.Logger = leaseLogger

	raftInstance, err := raft.NewRaft(raftConfig, &leaseFSM{}, logStore, stableStore, raft.NewDiscardSnapshotStore(), transport)
	if err != nil {
		return nil, fmt.Errorf("failed to start raft: %w", err)
	}

	lease := &RaftLease{
		logger:           leaseLogger,
		flowbrokerConfig: flowbrokerConfig,
		raft:             raftInstance,
		observerCh:       make(chan raft.Observation, 16),
		stopCh:           make(chan struct{}),
	}

	if configs.Bootstrap {
		lease.bootstrap(configs, transport)
	}

	lease.observer = raft.NewObserver(lease.observerCh, false, func(o *raft.Observation) bool {
		_, isLeaderChange := o.Data.(raft.LeaderObservation)
		return isLeaderChange
	})
	raftInstance.RegisterObserver(lease.observer)
	go lease.watchLeadership()

	return lease, nil
}

func (lease *RaftLease) bootstrap(configs *config.Configurations, transport *raft.NetworkTransport) {
	servers := bootstrapServers(configs, transport.LocalAddr())

	future := lease.raft.BootstrapCluster(raft.Configuration{Servers: servers})
	if err := future.Error(); err != nil {
		// Already-bootstrapped is the normal restart path.
		lease.logger.Info("raft bootstrap skipped", "reason", err.Error())
	}
}

// bootstrapServers builds the initial voter set. Every server id is the
// node's numeric id rendered in decimal; each node derives its own LocalID
// the same way, so a peer finds itself in the replicated configuration and
// can campaign after the first leader dies.
func bootstrapServers(configs *config.Configurations, localAddr raft.ServerAddress) []raft.Server {
	servers := []raft.Server{
		{
			ID:      raft.ServerID(strconv.FormatUint(configs.NodeId, 10)),
			Address: localAddr,
		},
	}
	for _, replica := range configs.Replicas {
		if replica.NodeId == configs.NodeId {
			continue
		}
		servers = append(servers, raft.Server{
			ID:      raft.ServerID(strconv.FormatUint(replica.NodeId, 10)),
			Address: raft.ServerAddress(replica.RaftAddress),
		})
	}
	return servers
}

func (lease *RaftLease) watchLeadership() {
	wasLeader := false
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-lease.observerCh:
		case <-ticker.C:
			// Observation events can be dropped; the tick re-checks state.
		case <-lease.stopCh:
			return
		}

		isLeader := lease.raft.State() == raft.Leader
		if isLeader == wasLeader {
			continue
		}
		wasLeader = isLeader

		if isLeader {
			lease.logger.Info("gained scheduler lease")
			for _, handler := range lease.gainHandlers {
				go handler()
			}
		} else {
			lease.logger.Info("lost scheduler lease")
			for _, handler := range lease.loseHandlers {
				go handler()
			}
		}
	}
}

func (lease *RaftLease) IsActiveScheduler() bool {
	return lease.raft.State() == raft.Leader
}

// OnGainOwnership registration happens during wiring, before Start; not
// safe to call concurrently with leadership changes.
func (lease *RaftLease) OnGainOwnership(callback func()) {
	lease.gainHandlers = append(lease.gainHandlers, callback)
}

func (lease *RaftLease) OnLoseOwnership(callback func()) {
	lease.loseHandlers = append(lease.loseHandlers, callback)
}

func (lease *RaftLease) Stop() error {
	close(lease.stopCh)
	lease.raft.DeregisterObserver(lease.observer)
	return lease.raft.Shutdown().Error()
}

// leaseFSM the raft log is only an election vehicle here; nothing is
// replicated through it.
type leaseFSM struct{}

func (fsm *leaseFSM) Apply(log *raft.Log) interface{} { return nil }

func (fsm *leaseFSM) Snapshot() (raft.FSMSnapshot, error) { return &leaseSnapshot{}, nil }

func (fsm *leaseFSM) Restore(snapshot io.ReadCloser) error { return snapshot.Close() }

type leaseSnapshot struct{}

func (snapshot *leaseSnapshot) Persist(sink raft.SnapshotSink) error { return sink.Close() }

func (snapshot *leaseSnapshot) Release() {}
