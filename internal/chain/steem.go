package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// blockInterval is the Steem block production cadence; polling faster than
// this only burns requests.
const blockInterval = 3 * time.Second

// SteemStreamer follows one block stream of a steemd node over its websocket
// JSON-RPC endpoint and flattens block operations into Transactions.
type SteemStreamer struct {
	conn      *websocket.Conn
	mode      Mode
	log       *zap.Logger
	requestID uint64

	nextBlock int64
	queue     []Transaction
}

// DialSteem connects to a steemd websocket endpoint and positions the stream
// at the current chain tip for the given mode.
func DialSteem(ctx context.Context, nodeURL string, mode Mode, log *zap.Logger) (*SteemStreamer, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, nodeURL, nil)
	if err != nil {
		return nil, fmt.Errorf("steem dial %s: %w", nodeURL, err)
	}

	// Cancellation tears the connection down so a blocked read fails fast.
	context.AfterFunc(ctx, func() { conn.Close() })

	s := &SteemStreamer{conn: conn, mode: mode, log: log}
	tip, err := s.tip(ctx)
	if err != nil {
		conn.Close()
		return nil, err
	}
	s.nextBlock = tip
	log.Info("upstream stream opened",
		zap.String("node", nodeURL),
		zap.String("mode", string(mode)),
		zap.Int64("start_block", tip))
	return s, nil
}

// Next returns the next transaction, fetching and flattening new blocks as
// the chain advances.
func (s *SteemStreamer) Next(ctx context.Context) (Transaction, error) {
	for len(s.queue) == 0 {
		if err := s.fill(ctx); err != nil {
			return nil, err
		}
	}
	tx := s.queue[0]
	s.queue = s.queue[1:]
	return tx, nil
}

// Close tears down the websocket connection.
func (s *SteemStreamer) Close() error {
	return s.conn.Close()
}

func (s *SteemStreamer) fill(ctx context.Context) error {
	for {
		tip, err := s.tip(ctx)
		if err != nil {
			return err
		}
		if tip >= s.nextBlock {
			break
		}
		timer := time.NewTimer(blockInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	var blk signedBlock
	if err := s.call(ctx, "condenser_api.get_block", []any{s.nextBlock}, &blk); err != nil {
		return err
	}
	s.queue = append(s.queue, flattenBlock(s.nextBlock, &blk)...)
	s.nextBlock++
	return nil
}

// tip returns the newest block number this stream may serve.
func (s *SteemStreamer) tip(ctx context.Context) (int64, error) {
	var props struct {
		HeadBlockNumber          int64 `json:"head_block_number"`
		LastIrreversibleBlockNum int64 `json:"last_irreversible_block_num"`
	}
	if err := s.call(ctx, "condenser_api.get_dynamic_global_properties", []any{}, &props); err != nil {
		return 0, err
	}
	if s.mode == ModeIrreversible {
		return props.LastIrreversibleBlockNum, nil
	}
	return props.HeadBlockNumber, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("steem rpc error %d: %s", e.Code, e.Message)
}

func (s *SteemStreamer) call(ctx context.Context, method string, params any, out any) error {
	id := atomic.AddUint64(&s.requestID, 1)
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
		_ = s.conn.SetReadDeadline(deadline)
	} else {
		_ = s.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
		_ = s.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	}
	if err := s.conn.WriteJSON(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		return fmt.Errorf("steem call %s: %w", method, err)
	}
	for {
		var resp rpcResponse
		if err := s.conn.ReadJSON(&resp); err != nil {
			return fmt.Errorf("steem call %s: %w", method, err)
		}
		if resp.ID != id {
			// Stale reply from an abandoned call, skip it.
			continue
		}
		if resp.Error != nil {
			return resp.Error
		}
		if out != nil {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("steem call %s: decode result: %w", method, err)
			}
		}
		return nil
	}
}

type signedBlock struct {
	Timestamp      string   `json:"timestamp"`
	TransactionIDs []string `json:"transaction_ids"`
	Transactions   []struct {
		Operations []json.RawMessage `json:"operations"`
	} `json:"transactions"`
}

// flattenBlock expands a condenser-format block into one Transaction per
// operation. Each operation arrives as an [opType, payload] pair; the payload
// fields are merged into the record next to block_num, type, trx_id and
// timestamp.
func flattenBlock(blockNum int64, blk *signedBlock) []Transaction {
	var out []Transaction
	for i, trx := range blk.Transactions {
		trxID := ""
		if i < len(blk.TransactionIDs) {
			trxID = blk.TransactionIDs[i]
		}
		for _, raw := range trx.Operations {
			var pair []json.RawMessage
			if err := json.Unmarshal(raw, &pair); err != nil || len(pair) != 2 {
				continue
			}
			var opType string
			if err := json.Unmarshal(pair[0], &opType); err != nil {
				continue
			}
			var payload map[string]any
			if err := json.Unmarshal(pair[1], &payload); err != nil {
				continue
			}
			tx := Transaction{
				"block_num": blockNum,
				"type":      opType,
				"trx_id":    trxID,
				"timestamp": blk.Timestamp,
			}
			for k, v := range payload {
				if _, taken := tx[k]; !taken {
					tx[k] = v
				}
			}
			out = append(out, tx)
		}
	}
	return out
}
