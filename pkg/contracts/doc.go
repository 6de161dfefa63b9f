// Package contracts defines the records shared by the gateway components:
// agent apps and their keys, drafts, executions, preflight commitments,
// audit entries and the ledger data the action tools operate on.
package contracts
