package main

import (
	"context"
	"fmt"
	"io"

	"github.com/pilacorp/go-proof-relay/channel"
	"github.com/pilacorp/go-proof-relay/channel/amqpchannel"
	"github.com/pilacorp/go-proof-relay/config"
	"github.com/pilacorp/go-proof-relay/issuer"
	"github.com/pilacorp/go-proof-relay/message"
	"github.com/pilacorp/go-proof-relay/pageserver"
	"github.com/pilacorp/go-proof-relay/sender"
)

func runSign(args []string, stdout, stderr io.Writer) int {
	fs, cfgPath, envPath := newFlagSet("sign", stderr)
	var proofPath, userID string
	fs.StringVar(&proofPath, "proof", "", "path to the onchain_proof JSON")
	fs.StringVar(&userID, "user", "", "subject id to bind the proof to")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if proofPath == "" || userID == "" {
		fmt.Fprintln(stderr, "error: -proof and -user are required")
		fs.Usage()
		return 2
	}

	cfg, err := loadConfig(*cfgPath, *envPath)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	proof, err := readProofFile(proofPath)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}

	signer, err := cfg.Signer()
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	s, err := sender.New(signer, channel.NewBroadcast())
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	msg, err := s.Seal(proof, userID)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	data, err := message.Encode(msg)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	fmt.Fprintln(stdout, string(data))
	return 0
}

func runSend(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, cfgPath, envPath := newFlagSet("send", stderr)
	var proofPath, userID, otp string
	fs.StringVar(&userID, "user", "", "subject id")
	fs.StringVar(&otp, "otp", "", "one-time password for the issuing service")
	fs.StringVar(&proofPath, "proof", "", "relay this proof file instead of fetching one")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if userID == "" || (otp == "" && proofPath == "") {
		fmt.Fprintln(stderr, "error: -user and one of -otp or -proof are required")
		fs.Usage()
		return 2
	}

	cfg, err := loadConfig(*cfgPath, *envPath)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	log := cfg.Logger().WithOutput(stderr)

	var proof interface{}
	if proofPath != "" {
		proof, err = readProofFile(proofPath)
	} else {
		proof, err = fetchProof(ctx, cfg, userID, otp)
	}
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}

	publisher, closePublisher, err := newPublisher(cfg)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	defer closePublisher()

	signer, err := cfg.Signer()
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	s, err := sender.New(signer, publisher, sender.WithLogger(log))
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	msg, err := s.Relay(ctx, proof, userID)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	fmt.Fprintf(stdout, "relayed proof for %s issued at %d\n", msg.Payload.SubjectID, msg.IssuedAt)
	return 0
}

func fetchProof(ctx context.Context, cfg *config.Config, userID, otp string) (interface{}, error) {
	if cfg.IssuerURL == "" {
		return nil, fmt.Errorf("issuer_url is not configured")
	}
	client, err := issuer.NewClient(cfg.IssuerURL)
	if err != nil {
		return nil, err
	}
	return client.FetchProof(ctx, userID, otp)
}

// newPublisher relays over AMQP when amqp_url is set and to the page server
// otherwise.
func newPublisher(cfg *config.Config) (channel.Publisher, func(), error) {
	if cfg.AMQPURL != "" {
		ch, conn, err := amqpchannel.Dial(cfg.AMQPURL, amqpchannel.WithExchange(cfg.AMQPExchange))
		if err != nil {
			return nil, nil, err
		}
		return ch, func() {
			_ = ch.Close()
			_ = conn.Close()
		}, nil
	}
	client, err := pageserver.NewClient(cfg.PageURL)
	if err != nil {
		return nil, nil, err
	}
	return client, func() {}, nil
}
