package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/goran-ethernal/dna/internal/chain"
	"github.com/goran-ethernal/dna/internal/fragment"
	"github.com/goran-ethernal/dna/internal/logger"
)

// Fragment schema of EVM chains. Ids double as protobuf field numbers in
// emitted payloads.
const (
	TransactionFragmentID fragment.ID = 2
	ReceiptFragmentID     fragment.ID = 3
	LogFragmentID         fragment.ID = 4
)

// Index ids within each fragment.
const (
	// transaction fragment
	IndexTransactionFrom   uint8 = 0
	IndexTransactionTo     uint8 = 1
	IndexTransactionCreate uint8 = 2

	// receipt fragment
	IndexReceiptStatus uint8 = 0

	// log fragment
	IndexLogAddress uint8 = 0
	IndexLogTopic0  uint8 = 1
	IndexLogTopic1  uint8 = 2
	IndexLogTopic2  uint8 = 3
	IndexLogTopic3  uint8 = 4
)

// Schema is the EVM fragment schema.
var Schema = fragment.Schema{
	{ID: TransactionFragmentID, Name: "transaction"},
	{ID: ReceiptFragmentID, Name: "receipt"},
	{ID: LogFragmentID, Name: "log"},
}

// ProviderOptions configures the polling cadence of the provider.
type ProviderOptions struct {
	PollInterval          time.Duration
	FinalizedPollInterval time.Duration
}

// Provider implements the cursor provider and block ingestor capabilities
// over an EVM RPC endpoint.
type Provider struct {
	client  *Client
	options ProviderOptions
	signer  types.Signer
	log     *logger.Logger
}

// NewProvider creates an EVM provider.
func NewProvider(client *Client, options ProviderOptions, log *logger.Logger) (*Provider, error) {
	if client == nil {
		return nil, errors.New("rpc client is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if options.PollInterval == 0 {
		options.PollInterval = 3 * time.Second
	}
	if options.FinalizedPollInterval == 0 {
		options.FinalizedPollInterval = 30 * time.Second
	}

	return &Provider{
		client:  client,
		options: options,
		signer:  types.LatestSignerForChainID(client.ChainID()),
		log:     log.WithComponent("evm-provider"),
	}, nil
}

// Schema returns the EVM fragment schema.
func (p *Provider) Schema() fragment.Schema {
	return Schema
}

func headerCursor(header *types.Header) chain.Cursor {
	return chain.Cursor{
		Number: header.Number.Uint64(),
		Hash:   chain.Hash(header.Hash().Bytes()),
	}
}

// SubscribeHead polls the chain head and emits a cursor whenever it moves.
func (p *Provider) SubscribeHead(ctx context.Context) (<-chan chain.Cursor, error) {
	out := make(chan chain.Cursor, 16)

	go func() {
		ticker := time.NewTicker(p.options.PollInterval)
		defer ticker.Stop()

		var last chain.Cursor

		poll := func() {
			header, err := p.client.HeaderByNumber(ctx, nil)
			if err != nil {
				if ctx.Err() == nil {
					p.log.Warnw("failed to poll head", "error", err)
				}
				return
			}

			cursor := headerCursor(header)
			if cursor.Equal(last) {
				return
			}
			last = cursor

			select {
			case out <- cursor:
			case <-ctx.Done():
			}
		}

		poll()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				poll()
			}
		}
	}()

	return out, nil
}

// SubscribeFinalized polls the finalized cursor and emits it whenever it
// advances.
func (p *Provider) SubscribeFinalized(ctx context.Context) (<-chan chain.Cursor, error) {
	out := make(chan chain.Cursor, 16)

	go func() {
		ticker := time.NewTicker(p.options.FinalizedPollInterval)
		defer ticker.Stop()

		var last chain.Cursor
		sent := false

		poll := func() {
			header, err := p.client.FinalizedHeader(ctx)
			if err != nil {
				if ctx.Err() == nil {
					p.log.Warnw("failed to poll finalized", "error", err)
				}
				return
			}

			cursor := headerCursor(header)
			// The finalized stream is monotonic.
			if sent && cursor.Number <= last.Number {
				return
			}
			last = cursor
			sent = true

			select {
			case out <- cursor:
			case <-ctx.Done():
			}
		}

		poll()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				poll()
			}
		}
	}()

	return out, nil
}

func common32(h chain.Hash) common.Hash {
	return common.BytesToHash(h)
}

// GetParentCursor returns the cursor of the parent of the given cursor.
// The genesis block has no parent.
func (p *Provider) GetParentCursor(ctx context.Context, cursor chain.Cursor) (chain.Cursor, error) {
	if cursor.Number == 0 {
		return chain.Cursor{}, fmt.Errorf("%w: block 0 has no parent", ErrBlockNotFound)
	}
	var header *types.Header
	var err error

	if cursor.HasHash() {
		header, err = p.client.HeaderByHash(ctx, common32(cursor.Hash))
	} else {
		header, err = p.client.HeaderByNumber(ctx, new(big.Int).SetUint64(cursor.Number))
	}
	if err != nil {
		return chain.Cursor{}, err
	}

	return chain.Cursor{
		Number: header.Number.Uint64() - 1,
		Hash:   chain.Hash(header.ParentHash.Bytes()),
	}, nil
}

// IngestBlockByNumber fetches and decodes the canonical block at a height.
func (p *Provider) IngestBlockByNumber(ctx context.Context, number uint64) (chain.BlockInfo, *fragment.Block, error) {
	block, err := p.client.BlockByNumber(ctx, number)
	if err != nil {
		return chain.BlockInfo{}, nil, err
	}
	return p.ingestBlock(ctx, block)
}

// IngestBlockByCursor fetches and decodes the block identified by a cursor.
func (p *Provider) IngestBlockByCursor(ctx context.Context, cursor chain.Cursor) (chain.BlockInfo, *fragment.Block, error) {
	if !cursor.HasHash() {
		return p.IngestBlockByNumber(ctx, cursor.Number)
	}

	block, err := p.client.BlockByHash(ctx, common32(cursor.Hash))
	if err != nil {
		return chain.BlockInfo{}, nil, err
	}
	return p.ingestBlock(ctx, block)
}

// ingestBlock decodes a block and its receipts into the fragment schema.
// Row orderings are part of the on-wire contract: transactions in block
// order, logs in (transaction_index, log_index) order.
func (p *Provider) ingestBlock(ctx context.Context, block *types.Block) (chain.BlockInfo, *fragment.Block, error) {
	info := chain.BlockInfo{
		Number: block.NumberU64(),
		Hash:   chain.Hash(block.Hash().Bytes()),
		Parent: chain.Hash(block.ParentHash().Bytes()),
	}

	receipts, err := p.client.BlockReceipts(ctx, block.Hash())
	if err != nil {
		return chain.BlockInfo{}, nil, err
	}

	if len(receipts) != len(block.Transactions()) {
		return chain.BlockInfo{}, nil, fmt.Errorf(
			"%w: block %d has %d transactions but %d receipts",
			fragment.ErrModel, info.Number, len(block.Transactions()), len(receipts),
		)
	}

	headerData, err := rlp.EncodeToBytes(block.Header())
	if err != nil {
		return chain.BlockInfo{}, nil, fmt.Errorf("%w: failed to encode header: %v", fragment.ErrModel, err)
	}

	txBody := &fragment.Body{FragmentID: TransactionFragmentID, Name: "transaction"}
	receiptBody := &fragment.Body{FragmentID: ReceiptFragmentID, Name: "receipt"}
	logBody := &fragment.Body{FragmentID: LogFragmentID, Name: "log"}

	txFrom, err := fragment.NewIndexBuilder(IndexTransactionFrom, fragment.KeyWidthAddress)
	if err != nil {
		return chain.BlockInfo{}, nil, err
	}
	txTo, err := fragment.NewIndexBuilder(IndexTransactionTo, fragment.KeyWidthAddress)
	if err != nil {
		return chain.BlockInfo{}, nil, err
	}
	txCreate, err := fragment.NewIndexBuilder(IndexTransactionCreate, fragment.KeyWidthEmpty)
	if err != nil {
		return chain.BlockInfo{}, nil, err
	}
	receiptStatus, err := fragment.NewIndexBuilder(IndexReceiptStatus, fragment.KeyWidthBool)
	if err != nil {
		return chain.BlockInfo{}, nil, err
	}
	logAddress, err := fragment.NewIndexBuilder(IndexLogAddress, fragment.KeyWidthAddress)
	if err != nil {
		return chain.BlockInfo{}, nil, err
	}

	logTopics := make([]*fragment.IndexBuilder, 4)
	for i := range logTopics {
		logTopics[i], err = fragment.NewIndexBuilder(IndexLogTopic0+uint8(i), fragment.KeyWidthB256)
		if err != nil {
			return chain.BlockInfo{}, nil, err
		}
	}

	txToLogs := fragment.NewJoinToMany(LogFragmentID)
	logToTx := fragment.NewJoinToOne(TransactionFragmentID)

	logRow := uint32(0)
	for txRow, tx := range block.Transactions() {
		txData, err := tx.MarshalBinary()
		if err != nil {
			return chain.BlockInfo{}, nil, fmt.Errorf("%w: failed to encode transaction: %v", fragment.ErrModel, err)
		}
		txBody.Rows = append(txBody.Rows, txData)

		from, err := types.Sender(p.signer, tx)
		if err != nil {
			return chain.BlockInfo{}, nil, fmt.Errorf("%w: failed to recover sender: %v", fragment.ErrModel, err)
		}
		if err := txFrom.Insert(from.Bytes(), uint32(txRow)); err != nil {
			return chain.BlockInfo{}, nil, err
		}

		if to := tx.To(); to != nil {
			if err := txTo.Insert(to.Bytes(), uint32(txRow)); err != nil {
				return chain.BlockInfo{}, nil, err
			}
		} else {
			if err := txCreate.Insert(nil, uint32(txRow)); err != nil {
				return chain.BlockInfo{}, nil, err
			}
		}

		receipt := receipts[txRow]

		receiptData, err := receipt.MarshalBinary()
		if err != nil {
			return chain.BlockInfo{}, nil, fmt.Errorf("%w: failed to encode receipt: %v", fragment.ErrModel, err)
		}
		receiptBody.Rows = append(receiptBody.Rows, receiptData)

		if err := receiptStatus.Insert(fragment.KeyBool(receipt.Status == types.ReceiptStatusSuccessful), uint32(txRow)); err != nil {
			return chain.BlockInfo{}, nil, err
		}

		for _, eventLog := range receipt.Logs {
			logData, err := rlp.EncodeToBytes(eventLog)
			if err != nil {
				return chain.BlockInfo{}, nil, fmt.Errorf("%w: failed to encode log: %v", fragment.ErrModel, err)
			}
			logBody.Rows = append(logBody.Rows, logData)

			if err := logAddress.Insert(eventLog.Address.Bytes(), logRow); err != nil {
				return chain.BlockInfo{}, nil, err
			}
			for i, topic := range eventLog.Topics {
				if i >= len(logTopics) {
					break
				}
				if err := logTopics[i].Insert(topic.Bytes(), logRow); err != nil {
					return chain.BlockInfo{}, nil, err
				}
			}

			txToLogs.Add(uint32(txRow), logRow)
			logToTx.Set(logRow, uint32(txRow))
			logRow++
		}
	}

	decoded := &fragment.Block{
		Header: fragment.Header{Data: headerData},
		Body:   []*fragment.Body{txBody, receiptBody, logBody},
		Index: []*fragment.Indexes{
			{
				FragmentID: TransactionFragmentID,
				RowCount:   txBody.RowCount(),
				Indexes: []*fragment.BitmapIndex{
					txFrom.Build(), txTo.Build(), txCreate.Build(),
				},
			},
			{
				FragmentID: ReceiptFragmentID,
				RowCount:   receiptBody.RowCount(),
				Indexes:    []*fragment.BitmapIndex{receiptStatus.Build()},
			},
			{
				FragmentID: LogFragmentID,
				RowCount:   logBody.RowCount(),
				Indexes: []*fragment.BitmapIndex{
					logAddress.Build(),
					logTopics[0].Build(), logTopics[1].Build(),
					logTopics[2].Build(), logTopics[3].Build(),
				},
			},
		},
		Join: []*fragment.Joins{
			{FragmentID: TransactionFragmentID, ToMany: []*fragment.JoinToMany{txToLogs}},
			{FragmentID: LogFragmentID, ToOne: []*fragment.JoinToOne{logToTx}},
		},
	}

	if err := decoded.Validate(); err != nil {
		return chain.BlockInfo{}, nil, err
	}

	return info, decoded, nil
}
