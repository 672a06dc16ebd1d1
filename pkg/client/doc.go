// Package client is the Go SDK for the asset ledger.
//
// It signs requests with an entity key, submits them to a ledger node and,
// when an auditor node is configured, cross-checks every execution against
// the auditor's independent answer.
//
// # Connecting
//
// Load the key generated by 'ledgerctl keygen' and register it once:
//
//	c, err := client.New("http://localhost:8080",
//	    client.WithKeyFile("alice", 1, os.ExpandEnv("$HOME/.ledger/alice.pem")),
//	    client.WithAuditor("http://localhost:8081", 5*time.Second),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	_, err = c.RegisterCertificate(ctx, publicKeyPEM)
//
// # Executing contracts
//
// Contracts are compiled into the ledger binary and bound to an id with
// RegisterContract. Execute signs the argument under a fresh nonce:
//
//	_, _ = c.RegisterContract(ctx, "put", "asset.put", nil)
//	res, err := c.Execute(ctx, "put", map[string]any{"id": "doc", "data": 1})
//	fmt.Println(res.TxID, res.Proofs[0].Hash)
//
// With an auditor configured, a disagreement between the two nodes is
// reported as an auditor.ErrInconsistent error. A slow auditor yields the
// ledger's result together with ErrAuditorUnavailable:
//
//	res, err := c.Execute(ctx, "put", arg)
//	if errors.Is(err, client.ErrAuditorUnavailable) {
//	    // res is the ledger's unaudited answer
//	}
//
// # Failures
//
// Node errors are *Error values; fault.CodeOf(err) returns the ledger status
// code, e.g. fault.NonceAlreadyUsed for a replayed request. An execution
// whose outcome is unknown (fault.UnknownTransactionStatus) should be
// resolved with State before resubmitting.
package client
