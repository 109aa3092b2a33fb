package statedb

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/sablenet/sabled/core"
	"github.com/sablenet/sabled/database"
	"github.com/sablenet/sabled/ecc"
)

// Bucket layout. States are keyed by (height, hash) so height iteration is
// a plain cursor scan; bodies are keyed by hash alone.
var (
	statesBucket  = database.MakeBucket([]byte("states"))
	bodiesBucket  = database.MakeBucket([]byte("bodies"))
	activeBucket  = database.MakeBucket([]byte("active"))
	outputsBucket = database.MakeBucket([]byte("outputs"))
	utxoBucket    = database.MakeBucket([]byte("utxo-nodes"))
	kernelsBucket = database.MakeBucket([]byte("kernel-nodes"))
	metaBucket    = database.MakeBucket([]byte("meta"))
)

var (
	metaTipKey     = []byte("tip")
	metaGenesisKey = []byte("genesis")
)

// StateDB stores headers, bodies, per-state flags and the serialized
// commitment trees.
type StateDB struct {
	db database.Database
}

// New creates a StateDB over the given database.
func New(db database.Database) *StateDB {
	return &StateDB{db: db}
}

// Begin begins a database transaction. Every mutation of the chain state
// runs inside one, so a crash leaves the store strictly before or strictly
// after a block apply.
func (s *StateDB) Begin() (database.Transaction, error) {
	return s.db.Begin()
}

// Accessor returns the transactionless accessor of the underlying database.
func (s *StateDB) Accessor() database.DataAccessor {
	return s.db
}

// UtxoBucket returns the bucket holding the serialized UTXO tree leaves.
func (s *StateDB) UtxoBucket() *database.Bucket {
	return utxoBucket
}

// KernelBucket returns the bucket holding the serialized kernel tree leaves.
func (s *StateDB) KernelBucket() *database.Bucket {
	return kernelsBucket
}

func stateKey(id core.StateID) []byte {
	key := make([]byte, 8+ecc.HashSize)
	binary.BigEndian.PutUint64(key, id.Height)
	copy(key[8:], id.Hash[:])
	return key
}

func parseStateKey(key []byte) (core.StateID, error) {
	if len(key) != 8+ecc.HashSize {
		return core.StateID{}, errors.Errorf("malformed state key of length %d", len(key))
	}
	var id core.StateID
	id.Height = binary.BigEndian.Uint64(key[:8])
	copy(id.Hash[:], key[8:])
	return id, nil
}

func serializeStateID(id core.StateID) []byte {
	return stateKey(id)
}

func deserializeStateID(b []byte) (core.StateID, error) {
	return parseStateKey(b)
}

// PutState stores a header. It is idempotent: storing a header already
// present leaves its record (including flags) untouched and returns
// added=false.
func (s *StateDB) PutState(dbc database.DataAccessor, h *core.Header, flags Flags) (core.StateID, bool, error) {
	id := h.ID()
	key := statesBucket.Key(stateKey(id))
	exists, err := dbc.Has(key)
	if err != nil {
		return core.StateID{}, false, err
	}
	if exists {
		return id, false, nil
	}
	value := append([]byte{byte(flags)}, core.SerializeHeader(h)...)
	if err := dbc.Put(key, value); err != nil {
		return core.StateID{}, false, err
	}
	return id, true, nil
}

// HasState returns whether the state is known.
func (s *StateDB) HasState(dbc database.DataAccessor, id core.StateID) (bool, error) {
	return dbc.Has(statesBucket.Key(stateKey(id)))
}

// GetState fetches a header by ID. Returns database.ErrNotFound for unknown
// states.
func (s *StateDB) GetState(dbc database.DataAccessor, id core.StateID) (*core.Header, error) {
	value, err := dbc.Get(statesBucket.Key(stateKey(id)))
	if err != nil {
		return nil, err
	}
	if len(value) < 1 {
		return nil, errors.Errorf("corrupt state record %s", id)
	}
	return core.DeserializeHeader(value[1:])
}

// GetFlags returns the flags of a state.
func (s *StateDB) GetFlags(dbc database.DataAccessor, id core.StateID) (Flags, error) {
	value, err := dbc.Get(statesBucket.Key(stateKey(id)))
	if err != nil {
		return 0, err
	}
	if len(value) < 1 {
		return 0, errors.Errorf("corrupt state record %s", id)
	}
	return Flags(value[0]), nil
}

// SetFlags sets or clears the masked flag bits of a state.
func (s *StateDB) SetFlags(dbc database.DataAccessor, id core.StateID, mask Flags, set bool) error {
	key := statesBucket.Key(stateKey(id))
	value, err := dbc.Get(key)
	if err != nil {
		return err
	}
	if len(value) < 1 {
		return errors.Errorf("corrupt state record %s", id)
	}
	flags := Flags(value[0])
	if set {
		flags |= mask
	} else {
		flags &^= mask
	}
	value[0] = byte(flags)
	return dbc.Put(key, value)
}

// Parent returns the ID of the state's parent.
func (s *StateDB) Parent(dbc database.DataAccessor, id core.StateID) (core.StateID, error) {
	h, err := s.GetState(dbc, id)
	if err != nil {
		return core.StateID{}, err
	}
	return core.StateID{Height: h.Height - 1, Hash: h.Prev}, nil
}

// Children returns the IDs of all known states whose parent is id.
func (s *StateDB) Children(dbc database.DataAccessor, id core.StateID) ([]core.StateID, error) {
	atNext, err := s.ByHeight(dbc, id.Height+1)
	if err != nil {
		return nil, err
	}
	var children []core.StateID
	for _, child := range atNext {
		h, err := s.GetState(dbc, child)
		if err != nil {
			return nil, err
		}
		if h.Prev == id.Hash {
			children = append(children, child)
		}
	}
	return children, nil
}

// ByHeight returns the IDs of all known states at the given height.
func (s *StateDB) ByHeight(dbc database.DataAccessor, height uint64) ([]core.StateID, error) {
	cursor, err := dbc.Cursor(statesBucket)
	if err != nil {
		return nil, err
	}
	defer cursor.Close()

	var prefix [8]byte
	binary.BigEndian.PutUint64(prefix[:], height)
	if err := cursor.Seek(prefix[:]); database.IsNotFoundError(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	var ids []core.StateID
	for {
		key, err := cursor.Key()
		if err != nil {
			return nil, err
		}
		id, err := parseStateKey(key)
		if err != nil {
			return nil, err
		}
		if id.Height != height {
			break
		}
		ids = append(ids, id)
		if !cursor.Next() {
			break
		}
	}
	return ids, nil
}

// ForEachState visits every known state record in (height, hash) order.
func (s *StateDB) ForEachState(dbc database.DataAccessor,
	visit func(id core.StateID, flags Flags) error) error {

	cursor, err := dbc.Cursor(statesBucket)
	if err != nil {
		return err
	}
	defer cursor.Close()

	for cursor.Next() {
		key, err := cursor.Key()
		if err != nil {
			return err
		}
		id, err := parseStateKey(key)
		if err != nil {
			return err
		}
		value, err := cursor.Value()
		if err != nil {
			return err
		}
		if len(value) < 1 {
			return errors.Errorf("corrupt state record %s", id)
		}
		if err := visit(id, Flags(value[0])); err != nil {
			return err
		}
	}
	return nil
}

// DeleteState removes a state record entirely, together with its body and
// rollback data.
func (s *StateDB) DeleteState(dbc database.DataAccessor, id core.StateID) error {
	if err := s.EraseBody(dbc, id); err != nil {
		return err
	}
	return dbc.Delete(statesBucket.Key(stateKey(id)))
}

// SetBody stores a block body and its rollback blob for a known state. It
// fails if the state is unknown or the body is already present.
func (s *StateDB) SetBody(dbc database.DataAccessor, id core.StateID, body, rollback []byte) error {
	known, err := s.HasState(dbc, id)
	if err != nil {
		return err
	}
	if !known {
		return errors.Errorf("cannot store body for unknown state %s", id)
	}
	key := bodiesBucket.Key(id.Hash[:])
	exists, err := dbc.Has(key)
	if err != nil {
		return err
	}
	if exists {
		return errors.Errorf("body for state %s already stored", id)
	}
	value := make([]byte, 0, 8+len(body)+len(rollback))
	var scratch [4]byte
	binary.LittleEndian.PutUint32(scratch[:], 1) // payload refcount
	value = append(value, scratch[:]...)
	binary.LittleEndian.PutUint32(scratch[:], uint32(len(body)))
	value = append(value, scratch[:]...)
	value = append(value, body...)
	value = append(value, rollback...)
	if err := dbc.Put(key, value); err != nil {
		return err
	}
	return s.SetFlags(dbc, id, FlagHasBody, true)
}

// UpdateRollback replaces the rollback blob stored with a body.
func (s *StateDB) UpdateRollback(dbc database.DataAccessor, id core.StateID, rollback []byte) error {
	body, _, err := s.GetBody(dbc, id)
	if err != nil {
		return err
	}
	key := bodiesBucket.Key(id.Hash[:])
	value := make([]byte, 0, 8+len(body)+len(rollback))
	var scratch [4]byte
	binary.LittleEndian.PutUint32(scratch[:], 1)
	value = append(value, scratch[:]...)
	binary.LittleEndian.PutUint32(scratch[:], uint32(len(body)))
	value = append(value, scratch[:]...)
	value = append(value, body...)
	value = append(value, rollback...)
	return dbc.Put(key, value)
}

// GetBody fetches the body and rollback blob of a state. Returns
// database.ErrNotFound if the body was never stored or has been erased.
func (s *StateDB) GetBody(dbc database.DataAccessor, id core.StateID) (body, rollback []byte, err error) {
	value, err := dbc.Get(bodiesBucket.Key(id.Hash[:]))
	if err != nil {
		return nil, nil, err
	}
	if len(value) < 8 {
		return nil, nil, errors.Errorf("corrupt body record for %s", id)
	}
	bodyLen := binary.LittleEndian.Uint32(value[4:8])
	if len(value) < int(8+bodyLen) {
		return nil, nil, errors.Errorf("corrupt body record for %s", id)
	}
	return value[8 : 8+bodyLen], value[8+bodyLen:], nil
}

// EraseBody dereferences the stored payload of a state, deleting it when
// the refcount reaches zero. Erasing an already-erased body is a no-op, so
// repeated fossilization passes are idempotent.
func (s *StateDB) EraseBody(dbc database.DataAccessor, id core.StateID) error {
	key := bodiesBucket.Key(id.Hash[:])
	value, err := dbc.Get(key)
	if database.IsNotFoundError(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(value) < 4 {
		return errors.Errorf("corrupt body record for %s", id)
	}
	refcount := binary.LittleEndian.Uint32(value[:4])
	if refcount <= 1 {
		if err := dbc.Delete(key); err != nil {
			return err
		}
	} else {
		binary.LittleEndian.PutUint32(value[:4], refcount-1)
		if err := dbc.Put(key, value); err != nil {
			return err
		}
	}
	known, err := s.HasState(dbc, id)
	if err != nil {
		return err
	}
	if known {
		return s.SetFlags(dbc, id, FlagHasBody, false)
	}
	return nil
}

// PutOutput stores the full bytes of a live unspent output, keyed by its
// UTXO tree key. The multiplicity authority is the tree; this index only
// preserves the bytes rollback records need.
func (s *StateDB) PutOutput(dbc database.DataAccessor, utxoKey, outputBytes []byte) error {
	return dbc.Put(outputsBucket.Key(utxoKey), outputBytes)
}

// GetOutput fetches the full bytes of a live unspent output.
func (s *StateDB) GetOutput(dbc database.DataAccessor, utxoKey []byte) ([]byte, error) {
	return dbc.Get(outputsBucket.Key(utxoKey))
}

// DeleteOutput removes an output's bytes once its multiplicity reaches zero.
func (s *StateDB) DeleteOutput(dbc database.DataAccessor, utxoKey []byte) error {
	return dbc.Delete(outputsBucket.Key(utxoKey))
}

func heightKey(height uint64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], height)
	return key[:]
}

// SetActive marks the state as the active record of its height.
func (s *StateDB) SetActive(dbc database.DataAccessor, id core.StateID) error {
	if err := dbc.Put(activeBucket.Key(heightKey(id.Height)), id.Hash[:]); err != nil {
		return err
	}
	return s.SetFlags(dbc, id, FlagActive, true)
}

// ClearActive removes the state from the active index and clears its
// Active flag.
func (s *StateDB) ClearActive(dbc database.DataAccessor, id core.StateID) error {
	if err := dbc.Delete(activeBucket.Key(heightKey(id.Height))); err != nil {
		return err
	}
	return s.SetFlags(dbc, id, FlagActive, false)
}

// ActiveAt returns the active state at the given height, if any.
func (s *StateDB) ActiveAt(dbc database.DataAccessor, height uint64) (core.StateID, bool, error) {
	value, err := dbc.Get(activeBucket.Key(heightKey(height)))
	if database.IsNotFoundError(err) {
		return core.StateID{}, false, nil
	}
	if err != nil {
		return core.StateID{}, false, err
	}
	var id core.StateID
	id.Height = height
	if err := id.Hash.SetBytes(value); err != nil {
		return core.StateID{}, false, err
	}
	return id, true, nil
}

// RollbackActiveTo clears the Active flag on all records above the given
// height.
func (s *StateDB) RollbackActiveTo(dbc database.DataAccessor, height uint64) error {
	cursor, err := dbc.Cursor(activeBucket)
	if err != nil {
		return err
	}
	defer cursor.Close()

	if err := cursor.Seek(heightKey(height + 1)); database.IsNotFoundError(err) {
		return nil
	} else if err != nil {
		return err
	}

	var toClear []core.StateID
	for {
		key, err := cursor.Key()
		if err != nil {
			return err
		}
		value, err := cursor.Value()
		if err != nil {
			return err
		}
		var id core.StateID
		id.Height = binary.BigEndian.Uint64(key)
		if err := id.Hash.SetBytes(value); err != nil {
			return err
		}
		toClear = append(toClear, id)
		if !cursor.Next() {
			break
		}
	}

	for _, id := range toClear {
		if err := dbc.Delete(activeBucket.Key(heightKey(id.Height))); err != nil {
			return err
		}
		if err := s.SetFlags(dbc, id, FlagActive, false); err != nil {
			return err
		}
	}
	return nil
}

// SetTip persists the active tip singleton.
func (s *StateDB) SetTip(dbc database.DataAccessor, id core.StateID) error {
	return dbc.Put(metaBucket.Key(metaTipKey), serializeStateID(id))
}

// Tip returns the active tip, if one has been set.
func (s *StateDB) Tip(dbc database.DataAccessor) (core.StateID, bool, error) {
	value, err := dbc.Get(metaBucket.Key(metaTipKey))
	if database.IsNotFoundError(err) {
		return core.StateID{}, false, nil
	}
	if err != nil {
		return core.StateID{}, false, err
	}
	id, err := deserializeStateID(value)
	if err != nil {
		return core.StateID{}, false, err
	}
	return id, true, nil
}

// SetGenesis persists the genesis singleton.
func (s *StateDB) SetGenesis(dbc database.DataAccessor, id core.StateID) error {
	return dbc.Put(metaBucket.Key(metaGenesisKey), serializeStateID(id))
}

// Genesis returns the genesis singleton, if one has been set.
func (s *StateDB) Genesis(dbc database.DataAccessor) (core.StateID, bool, error) {
	value, err := dbc.Get(metaBucket.Key(metaGenesisKey))
	if database.IsNotFoundError(err) {
		return core.StateID{}, false, nil
	}
	if err != nil {
		return core.StateID{}, false, err
	}
	id, err := deserializeStateID(value)
	if err != nil {
		return core.StateID{}, false, err
	}
	return id, true, nil
}

// VerifyIntegrity sweeps the store and checks the structural invariants:
// Active implies Reachable implies Functional, every Reachable non-genesis
// record has a known parent, every Active record is the indexed active
// record of its height, and the highest Active record is the stored tip.
// Parent links between Active records are not checked.
func (s *StateDB) VerifyIntegrity(dbc database.DataAccessor) error {
	genesis, hasGenesis, err := s.Genesis(dbc)
	if err != nil {
		return err
	}

	var activeTip core.StateID
	var hasActive bool
	err = s.ForEachState(dbc, func(id core.StateID, flags Flags) error {
		if flags.IsActive() && !flags.IsReachable() {
			return errors.Errorf("state %s is Active but not Reachable", id)
		}
		if flags.IsReachable() && !flags.IsFunctional() {
			return errors.Errorf("state %s is Reachable but not Functional", id)
		}
		if flags.IsReachable() && (!hasGenesis || id != genesis) {
			parent, err := s.Parent(dbc, id)
			if err != nil {
				return err
			}
			known, err := s.HasState(dbc, parent)
			if err != nil {
				return err
			}
			if !known {
				return errors.Errorf("reachable state %s has unknown parent %s", id, parent)
			}
		}
		if flags.IsActive() {
			activeAt, ok, err := s.ActiveAt(dbc, id.Height)
			if err != nil {
				return err
			}
			if !ok || activeAt != id {
				return errors.Errorf("state %s is flagged Active but not indexed", id)
			}
			if !hasActive || id.Height > activeTip.Height {
				activeTip = id
			}
			hasActive = true
		}
		return nil
	})
	if err != nil {
		return err
	}

	tip, hasTip, err := s.Tip(dbc)
	if err != nil {
		return err
	}
	if hasTip != hasActive || (hasTip && tip != activeTip) {
		return errors.Errorf("stored tip %s disagrees with active chain tip %s", tip, activeTip)
	}
	return nil
}
