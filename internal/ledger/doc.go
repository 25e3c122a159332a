// Package ledger 实现租赁与积分两套链式账本的权威状态。
// 所有写操作在同一把互斥锁内完成检查与变更，保证逐笔原子性。
package ledger
