package topictree

func (t *Tree) schedulePrune(n *Node) {
	if n == t.root {
		return
	}
	t.pruneMu.Lock()
	defer t.pruneMu.Unlock()
	if !n.prunePending {
		n.prunePending = true
		t.pruneQueue = append(t.pruneQueue, n)
	}
}

func (t *Tree) pruneSome() {
	t.prune(t.cfg.PruneBatch)
}

// Prune removes every queued node that is still empty and unreferenced and
// returns how many nodes were removed. Nodes still held by a walker stay
// queued.
func (t *Tree) Prune() int {
	return t.prune(-1)
}

func (t *Tree) prune(limit int) int {
	t.pruneMu.Lock()
	batch := t.pruneQueue
	if limit >= 0 && len(batch) > limit {
		batch = batch[:limit]
	}
	t.pruneQueue = t.pruneQueue[len(batch):]
	for _, n := range batch {
		n.prunePending = false
	}
	t.pruneMu.Unlock()

	removed := 0
	for _, n := range batch {
		for n != nil && n != t.root {
			ok, retry, parent := t.pruneNode(n)
			if retry {
				t.schedulePrune(n)
			}
			if !ok {
				break
			}
			removed++
			n = parent
		}
	}
	if removed > 0 {
		t.log.Debug("topictree: pruned nodes", "count", removed)
	}
	return removed
}

// pruneNode detaches n when it is empty and unreferenced. It returns
// whether n was removed, whether it should be retried later, and the parent
// when the parent itself became empty.
func (t *Tree) pruneNode(n *Node) (removed, retry bool, emptyParent *Node) {
	parent := n.parent
	parent.mu.Lock()
	n.mu.Lock()
	if n.deleted || !n.emptyLocked() {
		n.mu.Unlock()
		parent.mu.Unlock()
		return false, false, nil
	}
	if n.refs.Load() != 0 {
		n.mu.Unlock()
		parent.mu.Unlock()
		return false, true, nil
	}
	n.deleted = true
	n.mu.Unlock()

	parent.detachLocked(n)
	parentEmpty := parent.emptyLocked()
	parent.mu.Unlock()

	t.nodes.Add(-1)
	t.generation.Add(1)
	if parentEmpty && parent != t.root {
		return true, false, parent
	}
	return true, false, nil
}
