package discovery

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/calan/calansync/internal/peers"
	"github.com/hashicorp/serf/serf"
)

// Tag keys carried in every announcement.
const (
	tagName     = "name"
	tagInstance = "instance"
	tagSyncPort = "sync_port"
)

// Listener announces this instance on the local network and feeds peer
// announcements and withdrawals into the directory. It is built on serf
// gossip membership: member join/update events are announcements,
// leave/failed/reap events are withdrawals.
type Listener struct {
	serf        *serf.Serf
	directory   *peers.Directory
	instanceKey string
	eventCh     chan serf.Event
	shutdown    chan struct{}
	stopped     bool
}

// New creates a discovery listener. The serf node is named by the opaque
// per-run instance key; the human-facing display name travels as a tag.
func New(displayName, instanceKey, bindAddr string, syncPort int, directory *peers.Directory) (*Listener, error) {
	host, portStr, err := net.SplitHostPort(bindAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid bind address %q: %w", bindAddr, err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in bind address %q: %w", bindAddr, err)
	}

	config := serf.DefaultConfig()
	config.NodeName = instanceKey
	config.MemberlistConfig.BindAddr = host
	config.MemberlistConfig.BindPort = port
	config.Tags = map[string]string{
		tagName:     displayName,
		tagInstance: instanceKey,
		tagSyncPort: strconv.Itoa(syncPort),
	}

	eventCh := make(chan serf.Event, 256)
	config.EventCh = eventCh

	listener := &Listener{
		directory:   directory,
		instanceKey: instanceKey,
		eventCh:     eventCh,
		shutdown:    make(chan struct{}),
	}

	serfInstance, err := serf.Create(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create serf: %w", err)
	}
	listener.serf = serfInstance

	return listener, nil
}

// Start begins processing announcements and, when seeds are configured,
// joins them best effort. Failing to reach any seed is not an error: the
// instance keeps operating and syncs with whatever peers it hears from.
func (l *Listener) Start(seeds []string) error {
	go l.handleEvents()

	if len(seeds) == 0 {
		slog.Info("No seeds configured, waiting for announcements")
		return nil
	}

	slog.Info("Joining known instances", "seeds", seeds)
	numJoined, err := l.serf.Join(seeds, true)
	if err != nil {
		slog.Warn("Failed to join seeds, continuing standalone", "error", err)
		return nil
	}
	slog.Info("Joined instances", "count", numJoined)
	return nil
}

// Stop withdraws the announcement and shuts gossip down. Idempotent.
func (l *Listener) Stop() error {
	if l.stopped {
		return nil
	}
	l.stopped = true

	close(l.shutdown)

	if err := l.serf.Leave(); err != nil {
		slog.Warn("Error leaving cluster", "error", err)
	}

	if err := l.serf.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown serf: %w", err)
	}

	slog.Info("Discovery stopped")
	return nil
}

// handleEvents processes serf events from the event channel.
func (l *Listener) handleEvents() {
	for {
		select {
		case event := <-l.eventCh:
			if me, ok := event.(serf.MemberEvent); ok {
				l.handleMemberEvent(me)
			}
		case <-l.shutdown:
			slog.Info("Discovery event handler shutting down")
			return
		}
	}
}

// handleMemberEvent translates membership changes into directory updates.
func (l *Listener) handleMemberEvent(event serf.MemberEvent) {
	for _, member := range event.Members {
		if member.Name == l.instanceKey {
			continue
		}

		switch event.Type {
		case serf.EventMemberJoin, serf.EventMemberUpdate:
			record, err := recordFromMember(member)
			if err != nil {
				slog.Warn("Ignoring announcement", "member", member.Name, "error", err)
				continue
			}
			l.directory.Upsert(record)

		case serf.EventMemberLeave, serf.EventMemberFailed, serf.EventMemberReap:
			l.directory.Remove(member.Name)
		}
	}
}

func recordFromMember(member serf.Member) (peers.PeerRecord, error) {
	portStr, ok := member.Tags[tagSyncPort]
	if !ok {
		return peers.PeerRecord{}, fmt.Errorf("announcement without sync port")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return peers.PeerRecord{}, fmt.Errorf("invalid sync port %q: %w", portStr, err)
	}

	name := member.Tags[tagName]
	if name == "" {
		name = "Unknown"
	}

	return peers.PeerRecord{
		InstanceKey: member.Name,
		Addr:        member.Addr.String(),
		Port:        port,
		DisplayName: name,
		LastSeen:    time.Now(),
	}, nil
}
