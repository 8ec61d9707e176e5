package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const txMaxRetries = 5

// Redis implements Store on top of a redis hash per second-level node: the
// key "{prefix}:games:ABC123" holds one field per leaf path, JSON-encoded.
// Maps flatten into child paths, everything else (scalars, arrays, null) is
// stored as a leaf, which keeps partial updates addressable down to a single
// player attribute.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Get(ctx context.Context, path string) (any, error) {
	key, field, err := r.split(path)
	if err != nil {
		return nil, err
	}

	fields, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("remote: get %s: %w", path, err)
	}

	return assemble(fields, field)
}

func (r *Redis) Set(ctx context.Context, path string, value any) error {
	key, field, err := r.split(path)
	if err != nil {
		return err
	}

	if field == "" && value == nil {
		if err := r.client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("remote: delete %s: %w", path, err)
		}
		return nil
	}

	flat := map[string]any{}
	if value != nil {
		v, err := canonical(value)
		if err != nil {
			return fmt.Errorf("remote: set %s: %w", path, err)
		}
		flatten(field, v, flat)
	}

	if err := r.write(ctx, key, []string{field}, flat); err != nil {
		return fmt.Errorf("remote: set %s: %w", path, err)
	}
	return nil
}

func (r *Redis) Update(ctx context.Context, path string, patch Patch) error {
	key, field, err := r.split(path)
	if err != nil {
		return err
	}

	roots := make([]string, 0, len(patch))
	flat := map[string]any{}
	for p, value := range patch {
		f := join(field, strings.Trim(p, "/"))
		roots = append(roots, f)
		if value == nil {
			continue
		}
		v, err := canonical(value)
		if err != nil {
			return fmt.Errorf("remote: update %s at %s: %w", path, p, err)
		}
		if v == nil {
			continue
		}
		flatten(f, v, flat)
	}

	if err := r.write(ctx, key, roots, flat); err != nil {
		return fmt.Errorf("remote: update %s: %w", path, err)
	}
	return nil
}

func (r *Redis) Transaction(ctx context.Context, path string, fn func(current any) (any, error)) error {
	key, field, err := r.split(path)
	if err != nil {
		return err
	}

	txf := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}

		current, err := assemble(fields, field)
		if err != nil {
			return err
		}

		next, err := fn(current)
		if err != nil {
			return err
		}

		flat := map[string]any{}
		if next != nil {
			v, err := canonical(next)
			if err != nil {
				return err
			}
			flatten(field, v, flat)
		}

		dels := staleFields(fields, []string{field})
		enc, err := encodeLeaves(flat)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(dels) > 0 {
				pipe.HDel(ctx, key, dels...)
			}
			if len(enc) > 0 {
				pipe.HSet(ctx, key, enc)
			}
			return nil
		})
		return err
	}

	for i := 0; i < txMaxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return fmt.Errorf("remote: transaction %s: %w", path, err)
	}

	return fmt.Errorf("remote: transaction %s: retries exhausted", path)
}

// write replaces the subtrees named by roots with the flattened leaves in
// sets. Not atomic against concurrent writers of the same key; callers treat
// the mirror as best-effort.
func (r *Redis) write(ctx context.Context, key string, roots []string, sets map[string]any) error {
	existing, err := r.client.HKeys(ctx, key).Result()
	if err != nil {
		return err
	}

	byName := make(map[string]string, len(existing))
	for _, f := range existing {
		byName[f] = ""
	}
	dels := staleFields(byName, roots)

	enc, err := encodeLeaves(sets)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	if len(dels) > 0 {
		pipe.HDel(ctx, key, dels...)
	}
	if len(enc) > 0 {
		pipe.HSet(ctx, key, enc)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// split maps a tree path onto a hash key plus a field prefix. The first two
// segments name the hash, the rest address fields inside it.
func (r *Redis) split(path string) (key, field string, err error) {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	if len(segs) < 2 || segs[0] == "" || segs[1] == "" {
		return "", "", fmt.Errorf("remote: path too shallow: %q", path)
	}

	key = fmt.Sprintf("%s:%s:%s", r.prefix, segs[0], segs[1])
	field = strings.Join(segs[2:], "/")
	return key, field, nil
}

// canonical normalizes value through a JSON round trip so structs and typed
// maps flatten the same way their wire form would.
func canonical(value any) (any, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}

	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func flatten(base string, value any, out map[string]any) {
	if m, ok := value.(map[string]any); ok {
		// Empty objects are not stored, matching null-pruning tree semantics.
		for k, v := range m {
			flatten(join(base, k), v, out)
		}
		return
	}

	out[base] = value
}

func join(base, p string) string {
	switch {
	case base == "":
		return p
	case p == "":
		return base
	default:
		return base + "/" + p
	}
}

func staleFields(existing map[string]string, roots []string) []string {
	var dels []string
	for f := range existing {
		for _, root := range roots {
			if root == "" || f == root || strings.HasPrefix(f, root+"/") {
				dels = append(dels, f)
				break
			}
		}
	}
	return dels
}

func encodeLeaves(sets map[string]any) (map[string]any, error) {
	if len(sets) == 0 {
		return nil, nil
	}

	enc := make(map[string]any, len(sets))
	for f, v := range sets {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", f, err)
		}
		enc[f] = string(b)
	}
	return enc, nil
}

// assemble rebuilds the subtree rooted at "at" from the flat field map.
func assemble(fields map[string]string, at string) (any, error) {
	if raw, ok := fields[at]; ok {
		return decodeLeaf(at, raw)
	}

	prefix := ""
	if at != "" {
		prefix = at + "/"
	}

	tree := map[string]any{}
	for f, raw := range fields {
		if !strings.HasPrefix(f, prefix) {
			continue
		}
		v, err := decodeLeaf(f, raw)
		if err != nil {
			return nil, err
		}
		insert(tree, strings.Split(strings.TrimPrefix(f, prefix), "/"), v)
	}

	if len(tree) == 0 {
		return nil, nil
	}
	return tree, nil
}

func decodeLeaf(field, raw string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("decode field %s: %w", field, err)
	}
	return v, nil
}

func insert(tree map[string]any, segs []string, v any) {
	if len(segs) == 1 {
		tree[segs[0]] = v
		return
	}

	child, ok := tree[segs[0]].(map[string]any)
	if !ok {
		child = map[string]any{}
		tree[segs[0]] = child
	}
	insert(child, segs[1:], v)
}
