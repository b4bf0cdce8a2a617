package peer_test

import (
	"testing"

	"github.com/ardanlabs/blockstore/foundation/blockchain/peer"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

func Test_CRUD(t *testing.T) {
	type table struct {
		name  string
		peers []peer.Peer
	}

	tt := []table{
		{
			name:  "basic",
			peers: []peer.Peer{{Host: "host1"}, {Host: "host2"}, {Host: "host3"}},
		},
	}

	for _, tst := range tt {
		f := func(t *testing.T) {
			ps := peer.NewPeerSet()

			for _, peer := range tst.peers {
				ps.Add(peer)
			}

			peers := ps.Copy("")
			if len(peers) != len(tst.peers) {
				t.Logf("Test %s:\tgot: %d", tst.name, len(peers))
				t.Logf("Test %s:\texp: %d", tst.name, len(tst.peers)-1)
				t.Fatalf("Test %s:\tShould get back the right peers.", tst.name)
			}

			peers = ps.Copy("host2")
			if len(peers) != len(tst.peers)-1 {
				t.Logf("Test %s:\tgot: %d", tst.name, len(peers))
				t.Logf("Test %s:\texp: %d", tst.name, len(tst.peers)-1)
				t.Fatalf("Test %s:\tShould get back the right peers.", tst.name)
			}

			if ps.Add(tst.peers[0]) {
				t.Fatalf("Test %s:\tShould not add a known peer twice.", tst.name)
			}
		}

		t.Run(tst.name, f)
	}
}

func Test_Announcements(t *testing.T) {
	t.Log("Given the need to know which peers announced a block.")
	{
		ps := peer.NewPeerSet()
		host1 := peer.New("host1")
		host2 := peer.New("host2")
		ps.Add(host1)

		blk1 := chainhash.DoubleHashH([]byte("block1"))
		blk2 := chainhash.DoubleHashH([]byte("block2"))

		t.Logf("\tTest 0:\tWhen two peers announce blocks.")
		{
			ps.Announce(host1, blk1)
			ps.Announce(host1, blk1)
			ps.Announce(host2, blk1)
			ps.Announce(host2, blk2)

			if got := ps.Announcers(blk1); len(got) != 2 {
				t.Fatalf("\t%s\tTest 0:\tShould report both announcers: got %v", failed, got)
			}
			t.Logf("\t%s\tTest 0:\tShould report both announcers.", success)

			got := ps.Announcers(blk2)
			if len(got) != 1 || got[0] != host2 {
				t.Fatalf("\t%s\tTest 0:\tShould report only host2: got %v", failed, got)
			}
			t.Logf("\t%s\tTest 0:\tShould report only host2.", success)

			if len(ps.Copy("")) != 2 {
				t.Fatalf("\t%s\tTest 0:\tShould add the unknown announcer to the set.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould add the unknown announcer to the set.", success)

			if got := ps.Announcers(chainhash.Hash{}); len(got) != 0 {
				t.Fatalf("\t%s\tTest 0:\tShould report no announcers for an unknown block.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould report no announcers for an unknown block.", success)
		}
	}
}

func Test_Misbehaving(t *testing.T) {
	t.Log("Given the need to drop peers that send invalid blocks.")
	{
		ps := peer.NewPeerSet()
		host1 := peer.New("host1")
		ps.Add(host1)

		t.Logf("\tTest 0:\tWhen the score stays below the ban score.")
		{
			if ps.Misbehaving(host1, 40) || ps.Misbehaving(host1, 40) {
				t.Fatalf("\t%s\tTest 0:\tShould keep the peer.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould keep the peer.", success)

			if ps.Score(host1) != 80 {
				t.Fatalf("\t%s\tTest 0:\tShould accumulate the score: got %d", failed, ps.Score(host1))
			}
			t.Logf("\t%s\tTest 0:\tShould accumulate the score.", success)
		}

		t.Logf("\tTest 1:\tWhen the score reaches the ban score.")
		{
			if !ps.Misbehaving(host1, 20) {
				t.Fatalf("\t%s\tTest 1:\tShould ban the peer.", failed)
			}
			t.Logf("\t%s\tTest 1:\tShould ban the peer.", success)

			if len(ps.Copy("")) != 0 {
				t.Fatalf("\t%s\tTest 1:\tShould remove the peer from the set.", failed)
			}
			t.Logf("\t%s\tTest 1:\tShould remove the peer from the set.", success)

			if ps.Misbehaving(host1, 100) {
				t.Fatalf("\t%s\tTest 1:\tShould ignore scores for unknown peers.", failed)
			}
			t.Logf("\t%s\tTest 1:\tShould ignore scores for unknown peers.", success)
		}
	}
}
