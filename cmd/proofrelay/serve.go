package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/pilacorp/go-proof-relay/channel"
	"github.com/pilacorp/go-proof-relay/channel/amqpchannel"
	"github.com/pilacorp/go-proof-relay/common/logger"
	"github.com/pilacorp/go-proof-relay/config"
	"github.com/pilacorp/go-proof-relay/contract"
	"github.com/pilacorp/go-proof-relay/groth16"
	"github.com/pilacorp/go-proof-relay/pageserver"
	"github.com/pilacorp/go-proof-relay/proofshape"
	"github.com/pilacorp/go-proof-relay/verification"
	"golang.org/x/sync/errgroup"
)

func runServe(ctx context.Context, args []string, stderr io.Writer) int {
	fs, cfgPath, envPath := newFlagSet("serve", stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(*cfgPath, *envPath)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	if err := serve(ctx, cfg, cfg.Logger().WithOutput(stderr)); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	return 0
}

func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	auth, err := cfg.Verifier()
	if err != nil {
		return err
	}
	reg, err := cfg.Registry()
	if err != nil {
		return err
	}
	if reg.Len() == 0 {
		log.Warn("no subjects configured, every relay message will be rejected")
	}

	verifier, closeVerifier, err := newProofVerifier(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeVerifier()

	machine, err := verification.NewMachine(verification.Config{
		Authenticator: auth,
		Freshness:     cfg.FreshnessGuard(),
		Registry:      reg,
		Parser:        proofshape.Validator{},
		Verifier:      verifier,
	}, verification.WithLogger(log), verification.WithVerifyTimeout(cfg.VerifyTimeout))
	if err != nil {
		return err
	}

	bus := channel.NewBroadcast()
	defer bus.Close()

	receiver, err := verification.NewReceiver(machine, bus,
		verification.WithReceiverLogger(log),
		verification.WithOutcomeHook(func(o verification.Outcome) {
			if !o.Ignored {
				log.Infof("session now %s", o.State)
			}
		}),
	)
	if err != nil {
		return err
	}

	srv, err := pageserver.New(bus, machine, pageserver.WithAddr(cfg.ListenAddr), pageserver.WithLogger(log))
	if err != nil {
		return err
	}

	log.Infof("serving %d subjects", reg.Len())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return receiver.Run(gctx) })
	g.Go(func() error {
		<-receiver.Ready()
		return srv.Run(gctx)
	})
	if cfg.AMQPURL != "" {
		g.Go(func() error { return bridgeAMQP(gctx, cfg, bus, log) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newProofVerifier prefers a local verification key over the on-chain verifier.
func newProofVerifier(ctx context.Context, cfg *config.Config, log *logger.Logger) (verification.ProofVerifier, func(), error) {
	if cfg.VerificationKeyPath != "" {
		vk, err := groth16.LoadVerifyingKey(cfg.VerificationKeyPath)
		if err != nil {
			return nil, nil, err
		}
		v, err := groth16.NewVerifier(vk)
		if err != nil {
			return nil, nil, err
		}
		log.Infof("verifying proofs locally with %s (%d public signals)", cfg.VerificationKeyPath, vk.NPublic())
		return v, func() {}, nil
	}

	if cfg.RPCURL == "" || cfg.VerifierAddress == "" {
		return nil, nil, errors.New("verification_key or rpc_url and verifier_address are required")
	}
	v, err := contract.Dial(ctx, cfg.RPCURL, cfg.VerifierAddress)
	if err != nil {
		return nil, nil, err
	}
	log.Infof("verifying proofs with contract %s", v.Address().Hex())
	return v, v.Close, nil
}

// bridgeAMQP republishes every message from the AMQP fanout onto the page's
// channel, so a remote sender reaches the same receiver as a local one.
func bridgeAMQP(ctx context.Context, cfg *config.Config, bus channel.Publisher, log *logger.Logger) error {
	ch, conn, err := amqpchannel.Dial(cfg.AMQPURL,
		amqpchannel.WithExchange(cfg.AMQPExchange),
		amqpchannel.WithLogger(log),
	)
	if err != nil {
		return err
	}
	defer conn.Close()
	defer ch.Close()

	unsubscribe, err := ch.Subscribe(func(msg []byte) {
		if err := bus.Publish(ctx, msg); err != nil {
			log.Warnf("dropping AMQP relay message: %v", err)
		}
	})
	if err != nil {
		return err
	}
	defer unsubscribe()

	log.Infof("bridging AMQP exchange %s", cfg.AMQPExchange)
	<-ctx.Done()
	return ctx.Err()
}
