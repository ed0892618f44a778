// Command wfb-verify replays the link engine's six literal reference
// scenarios against the block aggregator, session manager and
// signal-quality estimator, independent of any radio hardware, and reports
// PASS/FAIL for each.
package main

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/klauspost/reedsolomon"
	"golang.org/x/crypto/nacl/box"

	"github.com/openipc/wfb-link-engine/internal/wfb/block"
	"github.com/openipc/wfb-link-engine/internal/wfb/quality"
	"github.com/openipc/wfb-link-engine/internal/wfb/session"
	"github.com/openipc/wfb-link-engine/internal/wfb/wire"
)

// shardSize must match the aggregator's internal padding; duplicated here
// (rather than exported) because only this verification fixture needs to
// hand-build raw shards — production code never does.
const shardSize = 1 + 2 + 4000

type scenario struct {
	name string
	run  func() error
}

func fragmentBytes(payload []byte) []byte {
	b := make([]byte, 0, 3+len(payload))
	b = append(b, 0x00)
	b = append(b, byte(len(payload)>>8), byte(len(payload)))
	return append(b, payload...)
}

func scenarioHappyPath() error {
	a, err := block.New(8, 12)
	if err != nil {
		return err
	}
	var delivered []block.DeliveredFragment
	for i := uint8(0); i < 12; i++ {
		out, err := a.Accept(0, i, fragmentBytes([]byte{'a' + i}))
		if err != nil {
			return fmt.Errorf("fragment %d: %w", i, err)
		}
		delivered = append(delivered, out...)
	}
	if len(delivered) != 8 {
		return fmt.Errorf("expected 8 delivered fragments, got %d", len(delivered))
	}
	c := a.Counters()
	if c.Lost != 0 || c.Recovered != 0 || c.Total != 12 {
		return fmt.Errorf("unexpected counters: %+v", c)
	}
	return nil
}

func scenarioSingleRecoverableLoss() error {
	a, err := block.New(8, 12)
	if err != nil {
		return err
	}

	enc, err := reedsolomon.New(8, 4)
	if err != nil {
		return err
	}
	shards := make([][]byte, 12)
	for i := range shards {
		shards[i] = make([]byte, shardSize)
	}
	for i := uint8(0); i < 8; i++ {
		copy(shards[i], fragmentBytes([]byte{'a' + i}))
	}
	if err := enc.Encode(shards); err != nil {
		return err
	}

	var delivered []block.DeliveredFragment
	for i := uint8(0); i < 12; i++ {
		if i == 7 {
			continue // fragment 7 lost, must be recovered from parity
		}
		out, err := a.Accept(0, i, shards[i])
		if err != nil {
			return fmt.Errorf("fragment %d: %w", i, err)
		}
		delivered = append(delivered, out...)
	}

	if len(delivered) != 8 {
		return fmt.Errorf("expected 8 delivered fragments, got %d", len(delivered))
	}
	if string(delivered[7].Payload) != string([]byte{'a' + 7}) {
		return fmt.Errorf("recovered fragment 7 payload mismatch: %q", delivered[7].Payload)
	}
	c := a.Counters()
	if c.Recovered != 1 || c.Lost != 0 {
		return fmt.Errorf("expected recovered=1 lost=0, got %+v", c)
	}
	return nil
}

func scenarioBlockIrrecoverable() error {
	a, err := block.New(8, 12)
	if err != nil {
		return err
	}
	for i := uint8(0); i < 4; i++ {
		if _, err := a.Accept(0, i, fragmentBytes([]byte{'a' + i})); err != nil {
			return err
		}
	}
	var delivered []block.DeliveredFragment
	for i := uint8(0); i < 8; i++ {
		out, err := a.Accept(1, i, fragmentBytes([]byte{'x' + i}))
		if err != nil {
			return err
		}
		delivered = append(delivered, out...)
	}
	for _, f := range delivered {
		if f.BlockIdx == 0 {
			return fmt.Errorf("block 0 fragment delivered despite being irrecoverable")
		}
	}
	c := a.Counters()
	if c.Lost != 8 {
		return fmt.Errorf("expected lost=8, got %d", c.Lost)
	}
	return nil
}

func scenarioOutOfOrder() error {
	a, err := block.New(8, 12)
	if err != nil {
		return err
	}
	// Fragments 8..11 must be real parity: the block becomes recoverable
	// after fragment 3 arrives, before data fragments 1 and 6 do.
	enc, err := reedsolomon.New(8, 4)
	if err != nil {
		return err
	}
	shards := make([][]byte, 12)
	for i := range shards {
		shards[i] = make([]byte, shardSize)
	}
	for i := uint8(0); i < 8; i++ {
		copy(shards[i], fragmentBytes([]byte{'a' + i}))
	}
	if err := enc.Encode(shards); err != nil {
		return err
	}

	order := []uint8{11, 4, 0, 2, 9, 7, 5, 3, 1, 6, 10, 8}
	var delivered []block.DeliveredFragment
	for _, idx := range order {
		out, err := a.Accept(0, idx, shards[idx])
		if err != nil {
			return err
		}
		delivered = append(delivered, out...)
	}
	if len(delivered) != 8 {
		return fmt.Errorf("expected 8 delivered fragments, got %d", len(delivered))
	}
	for i, f := range delivered {
		if int(f.FragmentIdx) != i {
			return fmt.Errorf("delivery out of order at position %d: got fragment_idx %d", i, f.FragmentIdx)
		}
	}
	return nil
}

func scenarioAdaptiveLinkTelemetry() error {
	q := quality.New()
	q.AddRSSI(60, 40)
	q.AddSNR(30, 20)
	for i := 0; i < 10; i++ {
		q.AddFEC(12, 0, 0)
	}
	snap := q.Calculate()

	bestRSSI := snap.RSSI[0]
	if snap.RSSI[1] > bestRSSI {
		bestRSSI = snap.RSSI[1]
	}
	bestSNR := snap.SNR[0]
	if snap.SNR[1] > bestSNR {
		bestSNR = snap.SNR[1]
	}
	if bestRSSI != 60 {
		return fmt.Errorf("expected best_rssi=60, got %v", bestRSSI)
	}
	if bestSNR != 30 {
		return fmt.Errorf("expected best_snr=30, got %v", bestSNR)
	}
	// 0.3*(60/126*100) + 0.7*(30/60*100) = 49.29
	score := snap.LinkScore[0]
	if score < 49 || score > 50 {
		return fmt.Errorf("expected link_score in [49,50], got %v", score)
	}
	return nil
}

func keyBody(rxPub, txPriv *[32]byte, epoch uint64, ch wire.ChannelID, k, n uint8, sessionKey [wire.AEADKeySize]byte) ([]byte, error) {
	plain := make([]byte, 0, 47)
	plain = binary.BigEndian.AppendUint64(plain, epoch)
	plain = binary.BigEndian.AppendUint32(plain, uint32(ch))
	plain = append(plain, byte(wire.FECTypeVandermondeRS), k, n)
	plain = append(plain, sessionKey[:]...)

	var nonce [wire.SessionNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	ciphertext := box.Seal(nil, plain, &nonce, rxPub, txPriv)

	body := make([]byte, 0, wire.SessionNonceSize+len(ciphertext))
	body = append(body, nonce[:]...)
	return append(body, ciphertext...), nil
}

func scenarioEpochRollover() error {
	rxPub, rxPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	txPub, txPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}

	mgr := session.NewManager(session.Keypair{ReceiverSecret: *rxPriv, TransmitterPub: *txPub})
	ch := wire.NewChannelID(1, wire.RadioPortVideo)
	var key1, key2 [wire.AEADKeySize]byte
	key1[0], key2[0] = 0x11, 0x22

	b5, err := keyBody(rxPub, txPriv, 5, ch, 8, 12, key1)
	if err != nil {
		return err
	}
	if _, err := mgr.AcceptKey(b5); err != nil {
		return fmt.Errorf("epoch 5 install: %w", err)
	}
	s1, err := mgr.Get(ch)
	if err != nil {
		return err
	}

	b4, err := keyBody(rxPub, txPriv, 4, ch, 8, 12, key2)
	if err != nil {
		return err
	}
	if _, err := mgr.AcceptKey(b4); err == nil {
		return fmt.Errorf("epoch 4 should have been rejected as stale")
	}
	if sStill, err := mgr.Get(ch); err != nil || sStill != s1 {
		return fmt.Errorf("session was replaced by a stale epoch")
	}

	b6, err := keyBody(rxPub, txPriv, 6, ch, 8, 12, key2)
	if err != nil {
		return err
	}
	if _, err := mgr.AcceptKey(b6); err != nil {
		return fmt.Errorf("epoch 6 install: %w", err)
	}
	s2, err := mgr.Get(ch)
	if err != nil {
		return err
	}
	if s2 == s1 || s2.Epoch != 6 {
		return fmt.Errorf("epoch 6 did not install a fresh session")
	}
	return nil
}

func main() {
	scenarios := []scenario{
		{"1: happy path, no loss", scenarioHappyPath},
		{"2: single loss, recoverable", scenarioSingleRecoverableLoss},
		{"3: block irrecoverable", scenarioBlockIrrecoverable},
		{"4: out-of-order arrival", scenarioOutOfOrder},
		{"5: epoch rollover", scenarioEpochRollover},
		{"6: adaptive-link telemetry", scenarioAdaptiveLinkTelemetry},
	}

	failed := 0
	for _, s := range scenarios {
		if err := s.run(); err != nil {
			fmt.Printf("FAIL  %s: %v\n", s.name, err)
			failed++
			continue
		}
		fmt.Printf("PASS  %s\n", s.name)
	}

	if failed > 0 {
		os.Exit(1)
	}
}
