// Command lockstepdemo runs one rollback.Session over a real UDP socket
// against a second instance named by -peer, and drives a trivial deterministic "game" — a
// running checksum fed by each side's local input — to exercise the
// library end to end without any actual game engine attached.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ggnet/rollback"
	"github.com/ggnet/rollback/config"
	"github.com/ggnet/rollback/internal/loglevel"
	"github.com/ggnet/rollback/metrics"
	"github.com/ggnet/rollback/protocol"
	"github.com/ggnet/rollback/transport"
)

func main() {
	listenAddr := flag.String("listen", "127.0.0.1:7000", "local UDP address to bind")
	peerAddr := flag.String("peer", "127.0.0.1:7001", "remote peer's UDP address")
	localPlayer := flag.Int("local-player", 0, "queue index (0-based) this instance drives locally")
	numPlayers := flag.Int("players", 2, "total number of player slots")
	metricsAddr := flag.String("metrics-addr", "", "if set, serve Prometheus metrics on this address")
	frames := flag.Int("frames", 600, "number of frames to run before exiting")
	flag.Parse()

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "lockstepdemo: %v\n", err)
		os.Exit(1)
	}
	loglevel.SetTimestamps(cfg.LogTimestamps)
	if len(cfg.LogIgnore) > 0 {
		loglevel.SetIgnore(joinCSV(cfg.LogIgnore))
	}
	switch cfg.LogLevel {
	case "debug":
		loglevel.SetMinLevel(loglevel.Debug)
	case "warn":
		loglevel.SetMinLevel(loglevel.Warn)
	case "error":
		loglevel.SetMinLevel(loglevel.Error)
	default:
		loglevel.SetMinLevel(loglevel.Info)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *metricsAddr != "" {
		srv := metrics.StartHTTP(*metricsAddr)
		defer srv.Close()
	}

	tr, err := transport.Listen(*listenAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lockstepdemo: listen: %v\n", err)
		os.Exit(1)
	}
	defer tr.Close()

	remote, err := net.ResolveUDPAddr("udp", *peerAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lockstepdemo: resolve peer: %v\n", err)
		os.Exit(1)
	}

	game := &checksumGame{numPlayers: *numPlayers}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	session, err := rollback.New(tr, "lockstepdemo", *numPlayers, 1, game, rng)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lockstepdemo: new session: %v\n", err)
		os.Exit(1)
	}
	game.session = session
	defer session.Close()

	session.SetDisconnectTimeout(cfg.DisconnectMS)
	session.SetDisconnectNotifyStart(cfg.DisconnectNotify)
	session.SetSendLatency(cfg.NetworkDelayMS)
	session.SetOutOfOrderPercent(cfg.OutOfOrderPct)

	if err := session.AddLocalPlayer(*localPlayer); err != nil {
		fmt.Fprintf(os.Stderr, "lockstepdemo: add local player: %v\n", err)
		os.Exit(1)
	}
	for q := 0; q < *numPlayers; q++ {
		if q == *localPlayer {
			continue
		}
		if _, err := session.AddRemotePlayer(q, remote, time.Now().UnixMilli()); err != nil {
			fmt.Fprintf(os.Stderr, "lockstepdemo: add remote player %d: %v\n", q, err)
			os.Exit(1)
		}
	}

	go tr.ReadLoop(ctx, func() int64 { return time.Now().UnixMilli() }, session.Dispatch)

	localHandle := rollback.PlayerHandle(*localPlayer + 1)

	ticker := time.NewTicker(16 * time.Millisecond)
	defer ticker.Stop()

	frameNo := 0
	for frameNo < *frames {
		select {
		case <-ctx.Done():
			loglevel.Infof("lockstepdemo: shutting down")
			return
		case <-ticker.C:
		}

		now := time.Now().UnixMilli()
		session.DoPoll(now, 0)

		input := byte(rng.Intn(256))
		if err := session.AddLocalInput(localHandle, []byte{input}, now); err != nil {
			if rerr, ok := err.(*rollback.Error); ok && rerr.Code == rollback.CodeNotSynchronized {
				continue
			}
			loglevel.Warnf("lockstepdemo: add local input: %v", err)
			continue
		}

		game.AdvanceFrame(0)
		frameNo++

		if frameNo%60 == 0 {
			stats, err := statsFor(session, *numPlayers, *localPlayer)
			if err == nil {
				loglevel.Infof("lockstepdemo: frame %d checksum %d, sent %s", frameNo, game.checksum, humanize.Bytes(uint64(stats.KbpsSent*1024)))
			}
		}
	}
}

func statsFor(session *rollback.Session, numPlayers, localPlayer int) (protocol.NetworkStats, error) {
	for q := 0; q < numPlayers; q++ {
		if q == localPlayer {
			continue
		}
		return session.GetNetworkStats(rollback.PlayerHandle(q + 1))
	}
	return protocol.NetworkStats{}, fmt.Errorf("no remote players")
}

func joinCSV(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

// checksumGame is the toy deterministic simulation this demo drives: each
// frame's input for every player is folded into a running FNV-ish
// checksum, entirely to give the rollback engine something to save, load,
// and compare across a misprediction.
type checksumGame struct {
	session    *rollback.Session
	numPlayers int
	checksum   uint64
}

func (g *checksumGame) BeginGame(name string) error {
	loglevel.Infof("lockstepdemo: starting game %q", name)
	return nil
}

func (g *checksumGame) SaveGameState() ([]byte, uint32, error) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, g.checksum)
	return buf, uint32(g.checksum), nil
}

func (g *checksumGame) LoadGameState(buf []byte) error {
	g.checksum = binary.LittleEndian.Uint64(buf)
	return nil
}

func (g *checksumGame) LogGameState(filename string, buf []byte) error { return nil }

func (g *checksumGame) FreeBuffer(buf []byte) {}

func (g *checksumGame) AdvanceFrame(flags int) {
	values, disconnectFlags, err := g.session.SynchronizeInput()
	if err != nil {
		loglevel.Warnf("lockstepdemo: synchronize input: %v", err)
		return
	}
	for i := 0; i < g.numPlayers; i++ {
		if disconnectFlags&(1<<uint(i)) != 0 {
			continue
		}
		g.checksum = g.checksum*31 + uint64(values[i])
	}
	g.session.IncrementFrame(time.Now().UnixMilli())
}

func (g *checksumGame) OnEvent(event rollback.Event) {
	switch event.Code {
	case rollback.EventRunning:
		loglevel.Infof("lockstepdemo: session running")
	case rollback.EventConnectedToPeer:
		loglevel.Infof("lockstepdemo: connected to player %d", event.Player)
	case rollback.EventSynchronizingWithPeer:
		loglevel.Infof("lockstepdemo: synchronizing with player %d (%d/%d)", event.Player, event.Count, event.Total)
	case rollback.EventSynchronizedWithPeer:
		loglevel.Infof("lockstepdemo: synchronized with player %d", event.Player)
	case rollback.EventConnectionInterrupted:
		loglevel.Warnf("lockstepdemo: connection to player %d interrupted, timing out in %dms", event.Player, event.DisconnectTimeout)
	case rollback.EventConnectionResumed:
		loglevel.Infof("lockstepdemo: connection to player %d resumed", event.Player)
	case rollback.EventDisconnectedFromPeer:
		loglevel.Warnf("lockstepdemo: player %d disconnected", event.Player)
	case rollback.EventTimeSync:
		loglevel.Debugf("lockstepdemo: recommend sleeping %d frames", event.FramesAhead)
	}
}
