package collections

import "golang.org/x/exp/constraints"

type bstNode[TKey constraints.Ordered, TValue any] struct {
	key   TKey
	value TValue
	left  *bstNode[TKey, TValue]
	right *bstNode[TKey, TValue]
}

// BST is an unbalanced binary search tree. It does no rebalancing, so keys
// inserted in sorted order degrade it into a linked list with O(n) operations.
// Traversal uses an explicit stack, removal recurses along the path to the key.
type BST[TKey constraints.Ordered, TValue any] struct {
	root *bstNode[TKey, TValue]
	size int
}

func NewBST[TKey constraints.Ordered, TValue any]() *BST[TKey, TValue] {
	return &BST[TKey, TValue]{}
}

func (t *BST[TKey, TValue]) find(key TKey) *bstNode[TKey, TValue] {
	curr := t.root
	for curr != nil {
		if key == curr.key {
			return curr
		} else if key < curr.key {
			curr = curr.left
		} else {
			curr = curr.right
		}
	}
	return nil
}

func (t *BST[TKey, TValue]) Get(key TKey) (TValue, bool) {
	if node := t.find(key); node != nil {
		return node.value, true
	}
	var zero TValue
	return zero, false
}

// Inserts key, or overwrites the value of an existing key. Returns the old
// value and true in case of an update.
func (t *BST[TKey, TValue]) Insert(key TKey, value TValue) (TValue, bool) {
	link := &t.root
	for *link != nil {
		curr := *link
		if key == curr.key {
			old := curr.value
			curr.value = value
			return old, true
		} else if key < curr.key {
			link = &curr.left
		} else {
			link = &curr.right
		}
	}

	*link = &bstNode[TKey, TValue]{key: key, value: value}
	t.size++

	var zero TValue
	return zero, false
}

// Removes key from the tree. Returns false if the key was not present.
func (t *BST[TKey, TValue]) Remove(key TKey) bool {
	if t.find(key) == nil {
		return false
	}

	t.root = t.remove(t.root, key)
	t.size--
	return true
}

func (t *BST[TKey, TValue]) remove(curr *bstNode[TKey, TValue], key TKey) *bstNode[TKey, TValue] {
	if curr.key < key {
		curr.right = t.remove(curr.right, key)
		return curr
	} else if curr.key > key {
		curr.left = t.remove(curr.left, key)
		return curr
	}

	if curr.left == nil {
		return curr.right
	} else if curr.right == nil {
		return curr.left
	}

	// Two children, take over the in-order successor and delete it from
	// the right subtree
	successor := curr.right
	for successor.left != nil {
		successor = successor.left
	}
	curr.key = successor.key
	curr.value = successor.value
	curr.right = t.remove(curr.right, successor.key)
	return curr
}

// Drops all nodes, they are reclaimed by the garbage collector.
func (t *BST[TKey, TValue]) Clear() {
	t.root = nil
	t.size = 0
}

// Calls fn for every node in ascending key order.
func (t *BST[TKey, TValue]) Ascend(fn func(key TKey, value TValue)) {
	var stack []*bstNode[TKey, TValue]
	curr := t.root
	for curr != nil || len(stack) > 0 {
		for curr != nil {
			stack = append(stack, curr)
			curr = curr.left
		}

		curr = stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		fn(curr.key, curr.value)
		curr = curr.right
	}
}

func (t *BST[TKey, TValue]) Len() int {
	return t.size
}
