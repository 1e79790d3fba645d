package graph

import (
	"errors"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/rotisserie/eris"

	"github.com/sells-group/supplychain-graph/internal/model"
)

var (
	// ErrTransactionInProgress is returned by BeginTx when the client handle
	// already has an explicit transaction open. Transactions never nest.
	ErrTransactionInProgress = eris.New("graph: transaction already in progress")

	// ErrTxFinished is returned when Run, Commit, or Rollback is called on a
	// transaction that was already committed or rolled back.
	ErrTxFinished = eris.New("graph: transaction already finished")
)

const (
	constraintViolationCode = "Neo.ClientError.Schema.ConstraintValidationFailed"
	transientCodePrefix     = "Neo.TransientError."
	notALeaderCode          = "Neo.ClientError.Cluster.NotALeader"
)

// mapError translates driver failures into the model taxonomy: transient
// server codes and connectivity loss become TransientStoreError so the retry
// layer picks them up, constraint violations become ConstraintError, and
// anything else passes through wrapped with the operation name.
//
// A violation of the permid uniqueness constraint is the one constraint kind
// classified transient: two first-time upserts racing the same permid leave
// the loser's MERGE matching the now-existing node on retry, so the write
// converges instead of failing the run.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}

	var neoErr *neo4j.Neo4jError
	if errors.As(err, &neoErr) {
		if neoErr.Code == constraintViolationCode {
			if strings.Contains(neoErr.Msg, "permid") {
				return &model.TransientStoreError{Op: op, Err: err}
			}
			return &model.ConstraintError{Constraint: neoErr.Msg, Err: err}
		}
		if strings.HasPrefix(neoErr.Code, transientCodePrefix) || neoErr.Code == notALeaderCode {
			return &model.TransientStoreError{Op: op, Err: err}
		}
	}
	if neo4j.IsConnectivityError(err) {
		return &model.TransientStoreError{Op: op, Err: err}
	}

	return eris.Wrapf(err, "graph: %s", op)
}
