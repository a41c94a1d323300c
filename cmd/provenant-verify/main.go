// cmd/provenant-verify/main.go
//
// Offline inclusion-proof verifier. It needs no network and no database:
// given an anchor root, a record hash, and a proof document, it recomputes
// the Merkle path locally. Auditors run it against roots they obtained out
// of band.
package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/ssd-technologies/provenant/internal/anchor"
)

func main() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: provenant-verify <root-hex> <record-hash-hex> <proof.json|->")
		fmt.Println()
		fmt.Println("Reads the proof document from the given file, or from stdin when '-'.")
		fmt.Println("Exits 0 when the proof verifies, 1 when it does not.")
		os.Exit(2)
	}

	root, err := hex.DecodeString(os.Args[1])
	if err != nil {
		fatalf("invalid root: %v", err)
	}
	recordHash, err := hex.DecodeString(os.Args[2])
	if err != nil {
		fatalf("invalid record hash: %v", err)
	}

	proof, err := readProof(os.Args[3])
	if err != nil {
		fatalf("%v", err)
	}

	if !anchor.VerifyInclusion(root, recordHash, proof) {
		fmt.Println("INVALID: proof does not reproduce the anchor root")
		os.Exit(1)
	}
	fmt.Printf("OK: record %s is included in anchor %s\n", proof.RecordID, proof.AnchorID)
}

func readProof(path string) (*anchor.InclusionProof, error) {
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open proof: %w", err)
		}
		defer f.Close()
		r = f
	}

	var proof anchor.InclusionProof
	if err := json.NewDecoder(r).Decode(&proof); err != nil {
		return nil, fmt.Errorf("parse proof: %w", err)
	}
	return &proof, nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(2)
}
