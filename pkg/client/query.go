package client

// QueryResult is one fully buffered result set.
type QueryResult struct {
	Fields       *RowFields
	Rows         [][][]byte
	AffectedRows uint64
	LastInsertID uint64
	RecvGtid     string
	RespAttrs    map[string]string
}

func (r *QueryResult) NumRows() int {
	return len(r.Rows)
}

// QueryOperation is the buffered facade over the streaming fetch machine:
// rows are copied out of the ephemeral stream as they arrive and whole
// result sets are exposed after completion.
type QueryOperation struct {
	*FetchOperation
	results []QueryResult
}

func newQueryOperation(conn *Connection, query string) *QueryOperation {
	op := &QueryOperation{}
	op.FetchOperation = newFetchOperation(conn, query, (*bufferingNotify)(op), OpTypeQuery)
	return op
}

// Results returns every buffered result set. Illegal before completion.
func (op *QueryOperation) Results() ([]QueryResult, error) {
	if op.State() != StateCompleted {
		return nil, ErrInvalidState
	}
	return op.results, nil
}

func (op *QueryOperation) MustSucceed() error {
	if err := op.Run(); err != nil && err != ErrInvalidState {
		return err
	}
	return op.mustSucceedErr("query")
}

// bufferingNotify runs entirely on the loop thread, so stream access needs
// no pause.
type bufferingNotify QueryOperation

func (n *bufferingNotify) op() *QueryOperation {
	return (*QueryOperation)(n)
}

func (n *bufferingNotify) NotifyInitQuery(fetch *FetchOperation) {
	op := n.op()
	result := QueryResult{}
	if stream := fetch.RowStream(); stream != nil {
		result.Fields = stream.Fields()
	}
	op.results = append(op.results, result)
}

func (n *bufferingNotify) NotifyRowsReady(fetch *FetchOperation) {
	op := n.op()
	stream := fetch.RowStream()
	if stream == nil || len(op.results) == 0 {
		return
	}
	current := &op.results[len(op.results)-1]
	for stream.HasNext() {
		row, ok := stream.ConsumeRow()
		if !ok {
			break
		}
		// ephemeral values alias driver buffers; copy before keeping
		copied := make([][]byte, len(row.Values))
		for i, v := range row.Values {
			if v != nil {
				buf := make([]byte, len(v))
				copy(buf, v)
				copied[i] = buf
			}
		}
		current.Rows = append(current.Rows, copied)
	}
}

func (n *bufferingNotify) NotifyQuerySuccess(fetch *FetchOperation, hasMoreResults bool) {
	op := n.op()
	if len(op.results) == 0 {
		return
	}
	current := &op.results[len(op.results)-1]
	current.AffectedRows, _ = fetch.CurrentAffectedRows()
	current.LastInsertID, _ = fetch.CurrentLastInsertID()
	current.RecvGtid, _ = fetch.CurrentRecvGtid()
	current.RespAttrs, _ = fetch.CurrentRespAttrs()
}

func (n *bufferingNotify) NotifyFailure(fetch *FetchOperation, result OperationResult) {
	// terminal accounting is surfaced through the operation getters
}

func (n *bufferingNotify) NotifyOperationCompleted(fetch *FetchOperation, result OperationResult) {
}
