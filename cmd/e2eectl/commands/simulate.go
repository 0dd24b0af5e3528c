package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"sentinal-e2ee/internal/domain/encryption"
	"sentinal-e2ee/internal/homeserver"
	"sentinal-e2ee/internal/machine"
	"sentinal-e2ee/internal/outbox"
	"sentinal-e2ee/internal/storage"
	"sentinal-e2ee/pkg/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type actor struct {
	m *machine.Machine
	p *outbox.Processor
}

func newActor(hs *homeserver.Server, blobs storage.BlobStore, l *logger.Logger, userID, deviceID string) (*actor, error) {
	m, err := machine.New(userID, deviceID, machine.Options{
		Blobs:   blobs,
		Log:     l.With(zap.String("user_id", userID), zap.String("device_id", deviceID)),
		Metrics: hs.Metrics(),
	})
	if err != nil {
		return nil, err
	}
	return &actor{m: m, p: outbox.NewProcessor(m, hs.Client(userID, deviceID), time.Second, l)}, nil
}

func settleAll(ctx context.Context, actors ...*actor) error {
	for round := 0; round < 3; round++ {
		for _, a := range actors {
			if err := a.p.Settle(ctx, 5); err != nil {
				return err
			}
		}
	}
	return nil
}

func simulateCmd() *cobra.Command {
	var (
		serverName string
		roomID     string
		useS3      bool
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a key exchange and history share between simulated devices",
		Long: "Runs three devices against an in-process homeserver: alice shares a room key with bob,\n" +
			"then hands her room history to charlie, who joined later.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var blobs storage.BlobStore = storage.NewMemoryBlobStore(serverName)
			if useS3 {
				s3, err := storage.NewS3BlobStore(cmd.Context(), storage.S3Config{
					ServerName: serverName,
					Region:     appCfg.S3Region,
					Bucket:     appCfg.S3Bucket,
					AccessKey:  appCfg.S3AccessKey,
					SecretKey:  appCfg.S3SecretKey,
					Endpoint:   appCfg.S3Endpoint,
					PublicBase: appCfg.S3PublicBase,
					PresignTTL: appCfg.S3PresignTTL,
				})
				if err != nil {
					return err
				}
				blobs = s3
			}
			return runSimulation(cmd.Context(), cmd.OutOrStdout(), appLog, blobs, serverName, roomID)
		},
	}
	cmd.Flags().StringVar(&serverName, "server-name", "example.org", "server name used for user ids")
	cmd.Flags().StringVar(&roomID, "room", "!simulation:example.org", "room id")
	cmd.Flags().BoolVar(&useS3, "s3", false, "store history bundles in the S3 bucket from S3_* settings")
	return cmd
}

func runSimulation(ctx context.Context, out io.Writer, l *logger.Logger, blobs storage.BlobStore, serverName, roomID string) error {
	if l == nil {
		l = logger.NewNop()
	}
	hs := homeserver.New(homeserver.Options{Log: l})
	uid := func(local string) string { return "@" + local + ":" + serverName }

	alice, err := newActor(hs, blobs, l, uid("alice"), "ALICE")
	if err != nil {
		return err
	}
	bob, err := newActor(hs, blobs, l, uid("bob"), "BOB")
	if err != nil {
		return err
	}

	users := []string{alice.m.UserID(), bob.m.UserID()}
	for _, a := range []*actor{alice, bob} {
		if err := a.m.UpdateTrackedUsers(ctx, users); err != nil {
			return err
		}
	}
	if _, err := alice.m.BootstrapCrossSigning(ctx, false); err != nil {
		return err
	}
	if err := settleAll(ctx, alice, bob); err != nil {
		return err
	}
	fmt.Fprintf(out, "published keys for %s and %s\n", alice.m.UserID(), bob.m.UserID())

	if _, err := alice.m.GetMissingSessions(ctx, []string{bob.m.UserID()}); err != nil {
		return err
	}
	if err := settleAll(ctx, alice); err != nil {
		return err
	}

	shared, err := alice.m.ShareRoomKey(ctx, roomID, []string{bob.m.UserID()}, encryption.DefaultEncryptionSettings())
	if err != nil {
		return err
	}
	if err := settleAll(ctx, alice, bob); err != nil {
		return err
	}
	fmt.Fprintf(out, "room key %s (generation %d) shared with %d device(s), withheld from %d\n",
		shared.SessionID, shared.Generation, len(shared.SharedWith), len(shared.Withheld))

	event, err := encryptedEvent(ctx, alice, roomID, `{"msgtype":"m.text","body":"hello bob"}`)
	if err != nil {
		return err
	}
	decrypted, err := bob.m.DecryptRoomEvent(ctx, event, roomID, encryption.TrustRequirementCrossSignedOrLegacy)
	if err != nil {
		return fmt.Errorf("bob decrypt: %w", err)
	}
	fmt.Fprintf(out, "bob decrypted %s from %s (trust %s)\n", decrypted.Content, decrypted.SenderDevice, decrypted.Trust)

	charlie, err := newActor(hs, blobs, l, uid("charlie"), "CHARLIE")
	if err != nil {
		return err
	}
	users = append(users, charlie.m.UserID())
	for _, a := range []*actor{alice, charlie} {
		if err := a.m.UpdateTrackedUsers(ctx, users); err != nil {
			return err
		}
	}
	if err := settleAll(ctx, alice, charlie); err != nil {
		return err
	}
	if _, err := alice.m.GetMissingSessions(ctx, []string{charlie.m.UserID()}); err != nil {
		return err
	}
	if err := settleAll(ctx, alice); err != nil {
		return err
	}

	if _, err := alice.m.ShareHistory(ctx, charlie.m.UserID(), roomID, encryption.CollectAllDevices); err != nil {
		return fmt.Errorf("share history: %w", err)
	}
	if err := settleAll(ctx, alice, charlie); err != nil {
		return err
	}
	imported, err := charlie.m.AcceptHistory(ctx, roomID, alice.m.UserID())
	if err != nil {
		return fmt.Errorf("accept history: %w", err)
	}
	if imported == nil {
		return fmt.Errorf("charlie received no history bundle")
	}
	fmt.Fprintf(out, "charlie imported %d room key(s) from the history bundle\n", imported.Imported)

	old, err := charlie.m.DecryptRoomEvent(ctx, event, roomID, encryption.TrustRequirementUntrusted)
	if err != nil {
		return fmt.Errorf("charlie decrypt: %w", err)
	}
	fmt.Fprintf(out, "charlie decrypted %s (forwarded %t)\n", old.Content, old.Forwarded)
	return nil
}

func encryptedEvent(ctx context.Context, sender *actor, roomID, content string) (encryption.RoomEvent, error) {
	enc, err := sender.m.EncryptRoomEvent(ctx, roomID, "m.room.message", json.RawMessage(content))
	if err != nil {
		return encryption.RoomEvent{}, err
	}
	raw, err := json.Marshal(enc)
	if err != nil {
		return encryption.RoomEvent{}, err
	}
	return encryption.RoomEvent{
		Type:    encryption.EventRoomEncrypted,
		Sender:  sender.m.UserID(),
		RoomID:  roomID,
		Content: raw,
	}, nil
}
