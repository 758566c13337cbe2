package redisq

type keyspace struct {
	prefix string
}

func (k keyspace) job(id string) string    { return k.prefix + ":job:" + id }
func (k keyspace) lock(id string) string   { return k.prefix + ":lock:" + id }
func (k keyspace) cancel(id string) string { return k.prefix + ":cancel:" + id }
func (k keyspace) wait(q string) string    { return k.prefix + ":q:" + q + ":wait" }
func (k keyspace) active(q string) string  { return k.prefix + ":q:" + q + ":active" }
func (k keyspace) delayed(q string) string { return k.prefix + ":q:" + q + ":delayed" }
func (k keyspace) finished(q, state string) string {
	return k.prefix + ":q:" + q + ":" + state
}
func (k keyspace) queues() string     { return k.prefix + ":queues" }
func (k keyspace) repeat() string     { return k.prefix + ":repeat" }
func (k keyspace) repeatNext() string { return k.prefix + ":repeat:next" }
func (k keyspace) events() string     { return k.prefix + ":events" }
