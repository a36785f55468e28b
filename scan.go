package rediscache

import "context"

// scanKeys cursor-pages through the backend with a glob pattern until
// exhausted or ctx is canceled (spec §4.3.1: "Scanning must tolerate
// concurrent cancellation").
func (s *Store) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64

	for {
		select {
		case <-ctx.Done():
			return keys, ctx.Err()
		default:
		}

		batch, next, err := s.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return keys, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}
