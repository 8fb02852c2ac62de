package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/channel-engine/chorus/ccrypto"
	"github.com/channel-engine/chorus/cs/csengine"
	"github.com/channel-engine/chorus/cs/cshttp"
	"github.com/channel-engine/chorus/cs/csledger"
	"github.com/channel-engine/chorus/cs/cssession"
	"github.com/channel-engine/chorus/cs/cssettle"
	"github.com/channel-engine/chorus/cs/cssettle/csmemsettle"
	"github.com/channel-engine/chorus/cs/csstore/csmemstore"
	"github.com/channel-engine/chorus/cs/cstransport/cswsrelay"
)

// demoParticipant is one member of the ride pool:
// an engine with its own stores, connected to the shared relay.
type demoParticipant struct {
	Name   string
	Signer ccrypto.Secp256k1Signer

	Engine *csengine.Engine
	Client *cswsrelay.Client
}

func newDemoCommand() *cobra.Command {
	var challengeWindow time.Duration

	c := &cobra.Command{
		Use:   "demo",
		Short: "Runs a three-party ride pool session end to end",
		Long: `Runs a complete ride pool scenario in process:

a driver and two riders open a weighted session,
the riders deposit fares, per-leg transfers move value to the driver,
and the session closes cooperatively after the challenge window.

All signature exchange happens over a real websocket relay.`,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.Context(), challengeWindow)
		},
	}

	c.Flags().DurationVar(
		&challengeWindow, "challenge-window", 2*time.Second,
		"challenge window applied to the session close",
	)

	return c
}

func runDemo(ctx context.Context, challengeWindow time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	asset := envDefault("CHORUS_DEMO_ASSET", "usdc")

	pterm.DefaultHeader.WithFullWidth().Println("chorus ride pool")

	log := slog.New(pterm.NewSlogHandler(&pterm.DefaultLogger))
	pterm.DefaultLogger.Level = pterm.LogLevelWarn

	// The settlement backend every participant submits to.
	backend := csmemsettle.New(csmemsettle.Config{Log: log})

	// An in-process relay carrying all signature traffic.
	relay := cswsrelay.NewRelay(log)
	defer relay.Close()

	relayLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to listen for relay: %w", err)
	}
	relaySrv := &http.Server{Handler: relay}
	go func() { _ = relaySrv.Serve(relayLn) }()
	defer relaySrv.Close()
	wsURL := "ws://" + relayLn.Addr().String()

	names := []string{"driver", "rider-north", "rider-south"}
	parts := make([]*demoParticipant, len(names))
	for i, name := range names {
		p, err := newDemoParticipant(ctx, log, name, backend, wsURL)
		if err != nil {
			return err
		}
		parts[i] = p
	}

	driver, north, south := parts[0], parts[1], parts[2]

	pterm.Info.Printfln("driver       %s", driver.Signer.Address())
	pterm.Info.Printfln("rider-north  %s", north.Signer.Address())
	pterm.Info.Printfln("rider-south  %s", south.Signer.Address())

	// The driver carries half the decision weight;
	// any rider plus the driver reaches the 75 percent threshold.
	def := cssession.Definition{
		Participants: []cssession.Participant{
			{Addr: driver.Signer.Address(), Weight: 50},
			{Addr: north.Signer.Address(), Weight: 25},
			{Addr: south.Signer.Address(), Weight: 25},
		},
		QuorumThreshold: 75,
		ChallengeWindow: challengeWindow,
		Nonce:           uint64(time.Now().UnixNano()),
		AppID:           "ride-pool",
		Protocol:        "ridepool.v1",
	}

	initial := csledger.AllocationVector{
		{Participant: driver.Signer.Address(), Asset: asset, Amount: big.NewInt(0)},
		{Participant: north.Signer.Address(), Asset: asset, Amount: big.NewInt(40_00)},
		{Participant: south.Signer.Address(), Asset: asset, Amount: big.NewInt(40_00)},
	}

	id, err := driver.Engine.CreateSession(ctx, def, initial)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	for _, p := range []*demoParticipant{north, south} {
		if err := p.Engine.JoinSession(ctx, id, def, initial); err != nil {
			return fmt.Errorf("%s failed to join: %w", p.Name, err)
		}
	}

	pterm.Success.Printfln("session %s open, riders funded 40.00 %s each", id, asset)

	// Serve the read-only status API for the driver's view.
	statusLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to listen for status API: %w", err)
	}
	cshttp.NewHTTPServer(ctx, log, cshttp.HTTPServerConfig{
		Listener: statusLn,
		Engine:   driver.Engine,
	})
	pterm.Info.Printfln("status API at http://%s/sessions", statusLn.Addr())

	// Leg one: rider-north pays 12.50 for the first stretch.
	if err := narrateTransfer(ctx, parts, id,
		"leg one: rider-north pays 12.50",
		north, csledger.Transition{
			Kind: csledger.KindOperate,
			Proposed: csledger.AllocationVector{
				{Participant: driver.Signer.Address(), Asset: asset, Amount: big.NewInt(12_50)},
				{Participant: north.Signer.Address(), Asset: asset, Amount: big.NewInt(27_50)},
				{Participant: south.Signer.Address(), Asset: asset, Amount: big.NewInt(40_00)},
			},
		}, 1); err != nil {
		return err
	}

	// Leg two: rider-south pays 18.00 for the longer stretch.
	if err := narrateTransfer(ctx, parts, id,
		"leg two: rider-south pays 18.00",
		south, csledger.Transition{
			Kind: csledger.KindOperate,
			Proposed: csledger.AllocationVector{
				{Participant: driver.Signer.Address(), Asset: asset, Amount: big.NewInt(30_50)},
				{Participant: north.Signer.Address(), Asset: asset, Amount: big.NewInt(27_50)},
				{Participant: south.Signer.Address(), Asset: asset, Amount: big.NewInt(22_00)},
			},
		}, 2); err != nil {
		return err
	}

	// Rider-north tops up mid-ride.
	if err := narrateTransfer(ctx, parts, id,
		"rider-north deposits another 10.00",
		north, csledger.Transition{
			Kind: csledger.KindDeposit,
			Proposed: csledger.AllocationVector{
				{Participant: driver.Signer.Address(), Asset: asset, Amount: big.NewInt(30_50)},
				{Participant: north.Signer.Address(), Asset: asset, Amount: big.NewInt(37_50)},
				{Participant: south.Signer.Address(), Asset: asset, Amount: big.NewInt(22_00)},
			},
			Actor:  north.Signer.Address(),
			Asset:  asset,
			Amount: big.NewInt(10_00),
		}, 3); err != nil {
		return err
	}

	// Cooperative close on the final split.
	final := csledger.AllocationVector{
		{Participant: driver.Signer.Address(), Asset: asset, Amount: big.NewInt(30_50)},
		{Participant: north.Signer.Address(), Asset: asset, Amount: big.NewInt(37_50)},
		{Participant: south.Signer.Address(), Asset: asset, Amount: big.NewInt(22_00)},
	}
	pterm.DefaultSection.Println("cooperative close")
	if _, err := driver.Client.Close(ctx, id, final); err != nil {
		return fmt.Errorf("close failed: %w", err)
	}
	if err := waitStatus(ctx, parts, id, cssession.StatusClosing); err != nil {
		return err
	}
	pterm.Info.Printfln("challenge window running (%s)", challengeWindow)

	if err := waitStatus(ctx, parts, id, cssession.StatusClosed); err != nil {
		return err
	}
	pterm.Success.Println("session closed, final allocations settled")

	snap, err := driver.Engine.Snapshot(ctx, id)
	if err != nil {
		return err
	}

	rows := pterm.TableData{{"participant", "final balance"}}
	for _, p := range parts {
		amt := snap.Vector.Amount(p.Signer.Address(), asset)
		rows = append(rows, []string{
			p.Name,
			fmt.Sprintf("%d.%02d %s", amt.Int64()/100, amt.Int64()%100, asset),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func newDemoParticipant(
	ctx context.Context,
	log *slog.Logger,
	name string,
	backend cssettle.Backend,
	wsURL string,
) (*demoParticipant, error) {
	signer, err := ccrypto.NewSecp256k1SignerFromSecret([]byte("chorus:demo:" + name))
	if err != nil {
		return nil, fmt.Errorf("failed to derive %s key: %w", name, err)
	}

	engine, err := csengine.New(ctx, csengine.EngineConfig{
		Log:           log.With("participant", name),
		Signer:        signer,
		Backend:       backend,
		SessionStore:  csmemstore.NewSessionStore(),
		TransitionLog: csmemstore.NewTransitionLogStore(),
	})
	if err != nil {
		return nil, err
	}

	client, err := cswsrelay.Dial(ctx, cswsrelay.ClientConfig{
		Log:    log.With("participant", name),
		URL:    wsURL,
		Engine: engine,
		Signer: signer,
	})
	if err != nil {
		return nil, fmt.Errorf("%s failed to reach relay: %w", name, err)
	}

	return &demoParticipant{
		Name:   name,
		Signer: signer,
		Engine: engine,
		Client: client,
	}, nil
}

// narrateTransfer proposes tr from the given participant
// and waits for every participant to observe the accepted version.
func narrateTransfer(
	ctx context.Context,
	parts []*demoParticipant,
	sessionID string,
	title string,
	proposer *demoParticipant,
	tr csledger.Transition,
	wantVersion uint64,
) error {
	pterm.DefaultSection.Println(title)

	spinner, _ := pterm.DefaultSpinner.Start("collecting signatures")

	if _, err := proposer.Client.Propose(ctx, sessionID, tr); err != nil {
		spinner.Fail(err.Error())
		return fmt.Errorf("%s's proposal failed: %w", proposer.Name, err)
	}

	if err := waitVersion(ctx, parts, sessionID, wantVersion); err != nil {
		spinner.Fail(err.Error())
		return err
	}

	spinner.Success(fmt.Sprintf("version %d accepted by all participants", wantVersion))
	return nil
}

func waitVersion(ctx context.Context, parts []*demoParticipant, id string, want uint64) error {
	return waitAll(ctx, parts, id, func(s csengine.Snapshot) bool {
		return s.Version >= want
	})
}

func waitStatus(ctx context.Context, parts []*demoParticipant, id string, want cssession.Status) error {
	return waitAll(ctx, parts, id, func(s csengine.Snapshot) bool {
		return s.Status == want
	})
}

func waitAll(
	ctx context.Context,
	parts []*demoParticipant,
	id string,
	cond func(csengine.Snapshot) bool,
) error {
	deadline := time.Now().Add(10 * time.Second)

	for {
		settled := true
		for _, p := range parts {
			snap, err := p.Engine.Snapshot(ctx, id)
			if err != nil {
				return err
			}
			if !cond(snap) {
				settled = false
				break
			}
		}
		if settled {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("participants did not converge in time")
		}

		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-time.After(25 * time.Millisecond):
		}
	}
}
